package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHandle struct {
	id int
}

func newTestPool(t *testing.T, size int, timeout time.Duration) *Pool[*fakeHandle] {
	t.Helper()

	items := make([]*fakeHandle, 0, size)
	for i := 0; i < size; i++ {
		items = append(items, &fakeHandle{id: i + 1})
	}
	return New(items, timeout, nil, nil)
}

func TestAcquireRelease(t *testing.T) {
	p := newTestPool(t, 2, time.Second)

	h1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if p.Available() != 0 {
		t.Fatalf("Available() = %d, want 0", p.Available())
	}

	p.Release(h1)
	p.Release(h2)
	if p.Available() != 2 {
		t.Fatalf("Available() = %d, want 2", p.Available())
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p := newTestPool(t, 1, 50*time.Millisecond)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	start := time.Now()
	_, err = p.Acquire(context.Background())
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("acquire returned after %v, before the timeout", elapsed)
	}

	p.Release(h)
}

func TestAcquireWakesBlockedWaiter(t *testing.T) {
	p := newTestPool(t, 1, 2*time.Second)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan *fakeHandle, 1)
	go func() {
		wh, werr := p.Acquire(context.Background())
		if werr != nil {
			t.Errorf("waiter acquire: %v", werr)
			return
		}
		got <- wh
	}()

	// Даём ожидающему заблокироваться, затем освобождаем ресурс.
	time.Sleep(20 * time.Millisecond)
	p.Release(h)

	select {
	case wh := <-got:
		if wh != h {
			t.Fatalf("waiter received %+v, want the released handle", wh)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter was not woken by release")
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	p := newTestPool(t, 1, 5*time.Second)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(h)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentAcquireReleaseNeverExceedsSize(t *testing.T) {
	const (
		size    = 3
		workers = 20
		rounds  = 50
	)

	p := newTestPool(t, size, 5*time.Second)

	var inUse, maxInUse int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				h, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}

				cur := atomic.AddInt64(&inUse, 1)
				for {
					prev := atomic.LoadInt64(&maxInUse)
					if cur <= prev || atomic.CompareAndSwapInt64(&maxInUse, prev, cur) {
						break
					}
				}

				atomic.AddInt64(&inUse, -1)
				p.Release(h)
			}
		}()
	}

	wg.Wait()

	if got := atomic.LoadInt64(&maxInUse); got > size {
		t.Fatalf("max handles in use = %d, pool size is %d", got, size)
	}
	if p.Available() != size {
		t.Fatalf("Available() = %d after all releases, want %d", p.Available(), size)
	}
}

func TestCloseDrainsAndRejectsAcquire(t *testing.T) {
	var closed int
	p := New([]*fakeHandle{{id: 1}, {id: 2}}, time.Second, func(h *fakeHandle) { closed++ }, nil)

	p.Close()

	if closed != 2 {
		t.Fatalf("closeFn called %d times, want 2", closed)
	}

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}

	// Повторное закрытие безопасно.
	p.Close()
	if closed != 2 {
		t.Fatalf("double close ran closeFn again")
	}
}

func TestReleaseIntoFullPoolClosesResource(t *testing.T) {
	var closed []*fakeHandle
	p := New([]*fakeHandle{{id: 1}}, time.Second, func(h *fakeHandle) { closed = append(closed, h) }, nil)

	stray := &fakeHandle{id: 99}
	p.Release(stray)

	if len(closed) != 1 || closed[0] != stray {
		t.Fatalf("closed = %+v, want the dropped handle to be closed", closed)
	}
	if p.Available() != 1 {
		t.Fatalf("Available() = %d, want 1", p.Available())
	}
}
