package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/bpark-system/internal/model"
	"github.com/mmeshcher/bpark-system/internal/pool"
	"github.com/mmeshcher/bpark-system/internal/spots"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const sessionColumns = `code, user_id, spot_id, placed_at, estimated_start, estimated_end,
	 actual_start, actual_end, ordered, late, extended, status`

// PostgresStorage предоставляет доступ к данным парковки в PostgreSQL.
// Соединения берутся из ограниченного пула: каждая операция выполняет
// acquire-use-release в рамках одного логического действия.
type PostgresStorage struct {
	pool   *pool.Pool[*pgx.Conn]
	logger *zap.Logger
}

// NewPostgres открывает фиксированное число соединений, прогоняет миграции и
// собирает хранилище поверх пула.
func NewPostgres(ctx context.Context, dsn string, poolSize int, acquireTimeout time.Duration, logger *zap.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}

	if err := runMigrations(ctx, connCfg); err != nil {
		return nil, err
	}

	conns := make([]*pgx.Conn, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		conn, err := pgx.ConnectConfig(ctx, connCfg)
		if err != nil {
			for _, c := range conns {
				_ = c.Close(ctx)
			}
			return nil, fmt.Errorf("connect (%d of %d): %w", i+1, poolSize, err)
		}
		conns = append(conns, conn)
	}

	closeConn := func(conn *pgx.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Close(ctx); err != nil {
			logger.Warn("close connection", zap.Error(err))
		}
	}

	return &PostgresStorage{
		pool:   pool.New(conns, acquireTimeout, closeConn, logger),
		logger: logger,
	}, nil
}

func runMigrations(ctx context.Context, connCfg *pgx.ConnConfig) error {
	db := stdlib.OpenDB(*connCfg)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул и все соединения с БД.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// withConn выполняет fn на соединении из пула с повтором временных ошибок
// (serialization failure, deadlock — транзакция к этому моменту откатана).
func (s *PostgresStorage) withConn(ctx context.Context, fn func(conn *pgx.Conn) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer s.pool.Release(conn)

		err = fn(conn)
		if err != nil && isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// UserByID возвращает абонента по идентификатору.
func (s *PostgresStorage) UserByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx,
			`SELECT id, username, name, email, phone, car_number, created_at FROM users WHERE id = $1`,
			id,
		)
		return row.Scan(&u.ID, &u.Username, &u.Name, &u.Email, &u.Phone, &u.CarNumber, &u.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &u, nil
}

// UserByUsername возвращает абонента по имени пользователя.
func (s *PostgresStorage) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx,
			`SELECT id, username, name, email, phone, car_number, created_at FROM users WHERE username = $1`,
			username,
		)
		return row.Scan(&u.ID, &u.Username, &u.Name, &u.Email, &u.Phone, &u.CarNumber, &u.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return &u, nil
}

// CountSpots возвращает общее число записей о местах.
func (s *PostgresStorage) CountSpots(ctx context.Context) (int, error) {
	var count int
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT COUNT(*) FROM parking_spots`).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count spots: %w", err)
	}
	return count, nil
}

// CreateSpots создаёт места с номерами 1..total, все свободные.
func (s *PostgresStorage) CreateSpots(ctx context.Context, total int) error {
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO parking_spots (id, occupied)
			 SELECT n, FALSE FROM generate_series(1, $1) AS n
			 ON CONFLICT (id) DO NOTHING`,
			total,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("create spots: %w", err)
	}
	return nil
}

// CountFreeSpots возвращает число незанятых мест.
func (s *PostgresStorage) CountFreeSpots(ctx context.Context) (int, error) {
	var count int
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT COUNT(*) FROM parking_spots WHERE NOT occupied`).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count free spots: %w", err)
	}
	return count, nil
}

// ClaimLowestFreeSpot атомарно помечает занятым свободное место с наименьшим
// номером: выбор и установка флага — один условный UPDATE.
func (s *PostgresStorage) ClaimLowestFreeSpot(ctx context.Context) (int, error) {
	var id int
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`UPDATE parking_spots SET occupied = TRUE
			 WHERE id = (
			     SELECT id FROM parking_spots
			     WHERE NOT occupied
			     ORDER BY id
			     LIMIT 1
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING id`,
		).Scan(&id)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, spots.ErrNoFreeSpot
		}
		return 0, fmt.Errorf("claim free spot: %w", err)
	}
	return id, nil
}

// ClaimSpotForWindow помечает занятым место с наименьшим номером, у которого
// нет открытой сессии, пересекающейся с интервалом [start, end).
// Полуинтервальная проверка: существующая сессия мешает, когда её
// estimated_start < end и start < её estimated_end.
func (s *PostgresStorage) ClaimSpotForWindow(ctx context.Context, start, end time.Time) (int, error) {
	var id int
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`UPDATE parking_spots SET occupied = TRUE
			 WHERE id = (
			     SELECT ps.id FROM parking_spots ps
			     WHERE NOT EXISTS (
			         SELECT 1 FROM parking_sessions pse
			         WHERE pse.spot_id = ps.id
			           AND pse.status IN ('preorder', 'active')
			           AND pse.estimated_start < $2
			           AND $1 < pse.estimated_end
			     )
			     ORDER BY ps.id
			     LIMIT 1
			 )
			 RETURNING id`,
			start, end,
		).Scan(&id)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, spots.ErrNoSpotForWindow
		}
		return 0, fmt.Errorf("claim spot for window: %w", err)
	}
	return id, nil
}

// ReleaseSpot освобождает место, если на него не ссылается ни одна открытая
// сессия. Повторное освобождение свободного места — no-op.
func (s *PostgresStorage) ReleaseSpot(ctx context.Context, spotID int) error {
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx,
			`UPDATE parking_spots SET occupied = FALSE
			 WHERE id = $1
			   AND NOT EXISTS (
			       SELECT 1 FROM parking_sessions pse
			       WHERE pse.spot_id = $1 AND pse.status IN ('preorder', 'active')
			   )`,
			spotID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("release spot: %w", err)
	}
	return nil
}

// CreateSession сохраняет сессию и возвращает назначенный БД код.
func (s *PostgresStorage) CreateSession(ctx context.Context, sess *model.Session) (int64, error) {
	var code int64
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`INSERT INTO parking_sessions
			     (user_id, spot_id, placed_at, estimated_start, estimated_end,
			      actual_start, actual_end, ordered, late, extended, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING code`,
			sess.UserID, sess.SpotID, sess.PlacedAt, sess.EstimatedStart, sess.EstimatedEnd,
			sess.ActualStart, sess.ActualEnd, sess.Ordered, sess.Late, sess.Extended, string(sess.Status),
		).Scan(&code)
	})
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return code, nil
}

// SessionByCode возвращает сессию по коду.
func (s *PostgresStorage) SessionByCode(ctx context.Context, code int64) (*model.Session, error) {
	var sess model.Session
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM parking_sessions WHERE code = $1`,
			code,
		)
		return scanSession(row, &sess)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ActivateSession переводит бронь в активную сессию. Обновление условное:
// ровно один из конкурирующих переходов (активация либо отмена монитором)
// затронет строку, второй увидит ноль строк.
func (s *PostgresStorage) ActivateSession(ctx context.Context, code int64, startedAt time.Time, late bool) error {
	return s.withConn(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx,
			`UPDATE parking_sessions
			 SET status = 'active', actual_start = $2, late = $3
			 WHERE code = $1 AND status = 'preorder'`,
			code, startedAt, late,
		)
		if err != nil {
			return fmt.Errorf("activate session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrWrongState(ctx, conn, code)
		}
		return nil
	})
}

// CancelSession отменяет бронь или активную сессию и в той же транзакции
// освобождает место, если других открытых сессий на нём не осталось.
func (s *PostgresStorage) CancelSession(ctx context.Context, code int64) error {
	return s.withConn(ctx, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var spotID int
		err = tx.QueryRow(ctx,
			`UPDATE parking_sessions
			 SET status = 'cancelled'
			 WHERE code = $1 AND status IN ('preorder', 'active')
			 RETURNING spot_id`,
			code,
		).Scan(&spotID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return s.missingOrWrongState(ctx, conn, code)
			}
			return fmt.Errorf("cancel session: %w", err)
		}

		if err := releaseSpotTx(ctx, tx, spotID); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// FinishSession завершает активную сессию, фиксирует фактический выезд и в
// той же транзакции освобождает место.
func (s *PostgresStorage) FinishSession(ctx context.Context, code int64, endedAt time.Time, late bool) error {
	return s.withConn(ctx, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var spotID int
		err = tx.QueryRow(ctx,
			`UPDATE parking_sessions
			 SET status = 'finished', actual_end = $2, late = late OR $3
			 WHERE code = $1 AND status = 'active' AND actual_end IS NULL
			 RETURNING spot_id`,
			code, endedAt, late,
		).Scan(&spotID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return s.missingOrWrongState(ctx, conn, code)
			}
			return fmt.Errorf("finish session: %w", err)
		}

		if err := releaseSpotTx(ctx, tx, spotID); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func releaseSpotTx(ctx context.Context, tx pgx.Tx, spotID int) error {
	_, err := tx.Exec(ctx,
		`UPDATE parking_spots SET occupied = FALSE
		 WHERE id = $1
		   AND NOT EXISTS (
		       SELECT 1 FROM parking_sessions pse
		       WHERE pse.spot_id = $1 AND pse.status IN ('preorder', 'active')
		   )`,
		spotID,
	)
	if err != nil {
		return fmt.Errorf("release spot in tx: %w", err)
	}
	return nil
}

// ExtendSession продлевает расчётное время выезда активной сессии и
// возвращает новое значение.
func (s *PostgresStorage) ExtendSession(ctx context.Context, code int64, extra time.Duration) (time.Time, error) {
	var newEnd time.Time
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		err := conn.QueryRow(ctx,
			`UPDATE parking_sessions
			 SET estimated_end = estimated_end + make_interval(secs => $2), extended = TRUE
			 WHERE code = $1 AND status = 'active' AND actual_end IS NULL
			 RETURNING estimated_end`,
			code, extra.Seconds(),
		).Scan(&newEnd)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missingOrWrongState(ctx, conn, code)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrWrongState) {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("extend session: %w", err)
	}
	return newEnd, nil
}

// SessionsByUser возвращает историю сессий абонента, новые первыми.
func (s *PostgresStorage) SessionsByUser(ctx context.Context, userID int64) ([]model.Session, error) {
	var res []model.Session
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+sessionColumns+`
			 FROM parking_sessions
			 WHERE user_id = $1
			 ORDER BY placed_at DESC, code DESC`,
			userID,
		)
		if err != nil {
			return err
		}
		res, err = collectSessions(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	return res, nil
}

// ActiveSessions возвращает все активные сессии, новые первыми.
func (s *PostgresStorage) ActiveSessions(ctx context.Context) ([]model.Session, error) {
	var res []model.Session
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+sessionColumns+`
			 FROM parking_sessions
			 WHERE status = 'active'
			 ORDER BY placed_at DESC, code DESC`,
		)
		if err != nil {
			return err
		}
		res, err = collectSessions(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("select active sessions: %w", err)
	}
	return res, nil
}

// OverduePreorders возвращает брони, запланированные на сегодня, чей
// расчётный старт просрочен не менее чем на threshold.
func (s *PostgresStorage) OverduePreorders(ctx context.Context, now time.Time, threshold time.Duration) ([]model.Session, error) {
	var res []model.Session
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+sessionColumns+`
			 FROM parking_sessions
			 WHERE status = 'preorder'
			   AND date(estimated_start) = date($1)
			   AND $1 - estimated_start >= make_interval(secs => $2)
			 ORDER BY estimated_start`,
			now, threshold.Seconds(),
		)
		if err != nil {
			return err
		}
		res, err = collectSessions(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("select overdue preorders: %w", err)
	}
	return res, nil
}

// OverdueActiveSessions возвращает активные сессии без фактического выезда,
// ещё не помеченные опаздывающими, чей расчётный конец просрочен не менее
// чем на threshold.
func (s *PostgresStorage) OverdueActiveSessions(ctx context.Context, now time.Time, threshold time.Duration) ([]model.Session, error) {
	var res []model.Session
	err := s.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+sessionColumns+`
			 FROM parking_sessions
			 WHERE status = 'active'
			   AND actual_end IS NULL
			   AND NOT late
			   AND $1 - estimated_end >= make_interval(secs => $2)
			 ORDER BY estimated_end`,
			now, threshold.Seconds(),
		)
		if err != nil {
			return err
		}
		res, err = collectSessions(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("select overdue active sessions: %w", err)
	}
	return res, nil
}

// MarkSessionLate помечает активную сессию опаздывающей. Место остаётся
// занятым. Уже помеченная сессия — ErrWrongState, чтобы уведомление не
// отправлялось повторно.
func (s *PostgresStorage) MarkSessionLate(ctx context.Context, code int64) error {
	return s.withConn(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx,
			`UPDATE parking_sessions SET late = TRUE
			 WHERE code = $1 AND status = 'active' AND actual_end IS NULL AND NOT late`,
			code,
		)
		if err != nil {
			return fmt.Errorf("mark session late: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrWrongState(ctx, conn, code)
		}
		return nil
	})
}

// missingOrWrongState различает отсутствующую сессию и сессию в другом статусе
// после условного обновления, затронувшего ноль строк.
func (s *PostgresStorage) missingOrWrongState(ctx context.Context, conn *pgx.Conn, code int64) error {
	var exists bool
	err := conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM parking_sessions WHERE code = $1)`,
		code,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check session existence: %w", err)
	}
	if !exists {
		return ErrSessionNotFound
	}
	return ErrWrongState
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, sess *model.Session) error {
	var status string
	err := row.Scan(
		&sess.Code, &sess.UserID, &sess.SpotID, &sess.PlacedAt,
		&sess.EstimatedStart, &sess.EstimatedEnd,
		&sess.ActualStart, &sess.ActualEnd,
		&sess.Ordered, &sess.Late, &sess.Extended, &status,
	)
	if err != nil {
		return err
	}
	sess.Status = model.SessionStatus(status)
	return nil
}

func collectSessions(rows pgx.Rows) ([]model.Session, error) {
	defer rows.Close()

	var res []model.Session
	for rows.Next() {
		var sess model.Session
		if err := scanSession(rows, &sess); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		res = append(res, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
