// Package repository содержит реализацию хранилища сессий, тарифов и отчётов в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/macro-funnel/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrSessionNotFound возвращается, если сессия с указанным токеном не найдена.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists возвращается при коллизии токена сессии.
	ErrSessionExists = errors.New("session already exists")
	// ErrTierNotFound возвращается, если активный тариф не найден.
	ErrTierNotFound = errors.New("payment tier not found")
	// ErrReportNotFound возвращается, если отчёт не найден.
	ErrReportNotFound = errors.New("report not found")
	// ErrReportExists возвращается при попытке создать второй отчёт для сессии.
	ErrReportExists = errors.New("report already exists for session")
	// ErrSessionPaid возвращается при попытке сменить платёж уже оплаченной сессии.
	ErrSessionPaid = errors.New("session already paid")
	// ErrPaymentIntentChanged возвращается, если идентификатор платежа сессии
	// изменился после проверки.
	ErrPaymentIntentChanged = errors.New("payment intent changed")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
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

// withRetry повторяет fn при временных ошибках: конфликтах сериализации,
// дедлоках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(delays) {
			return err
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// querier — общее подмножество pgxpool.Pool и pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const sessionColumns = `id, session_token, step_completed, is_premium, payment_status,
	sex, age, height_cm, weight_kg, activity_level, goal, diet_type, calculated_macros,
	tier_id, stripe_payment_intent_id, amount_cents,
	email, first_name, last_name, phone, health_conditions, medications, allergies, marketing_consent,
	created_at, updated_at, completed_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s        model.Session
		step     int16
		payment  string
		sex      string
		macrosJS []byte
	)

	err := row.Scan(
		&s.ID, &s.Token, &step, &s.IsPremium, &payment,
		&sex, &s.Demographics.Age, &s.Demographics.HeightCM, &s.Demographics.WeightKG,
		&s.Lifestyle.ActivityLevel, &s.Lifestyle.Goal, &s.Lifestyle.DietType, &macrosJS,
		&s.TierID, &s.PaymentIntentID, &s.AmountCents,
		&s.Contact.Email, &s.Contact.FirstName, &s.Contact.LastName, &s.Contact.Phone,
		&s.Contact.HealthConditions, &s.Contact.Medications, &s.Contact.Allergies, &s.Contact.MarketingConsent,
		&s.CreatedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	s.StepCompleted = model.Step(step)
	s.PaymentStatus = model.PaymentStatus(payment)
	s.Demographics.Sex = model.Sex(sex)

	if len(macrosJS) > 0 {
		var m model.Macros
		if err := json.Unmarshal(macrosJS, &m); err != nil {
			return nil, fmt.Errorf("decode calculated_macros: %w", err)
		}
		s.Macros = &m
	}

	return &s, nil
}

// CreateSession сохраняет новую сессию.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *model.Session) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO calculator_sessions (id, session_token, step_completed, is_premium, payment_status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		s.ID, s.Token, int16(s.StepCompleted), s.IsPremium, string(s.PaymentStatus),
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession возвращает сессию по токену.
func (r *PostgresRepository) GetSession(ctx context.Context, token string) (*model.Session, error) {
	return r.getSession(ctx, `SELECT `+sessionColumns+` FROM calculator_sessions WHERE session_token = $1`, token)
}

// GetSessionByID возвращает сессию по идентификатору строки.
func (r *PostgresRepository) GetSessionByID(ctx context.Context, id string) (*model.Session, error) {
	return r.getSession(ctx, `SELECT `+sessionColumns+` FROM calculator_sessions WHERE id = $1`, id)
}

func (r *PostgresRepository) getSession(ctx context.Context, query string, arg string) (*model.Session, error) {
	var s *model.Session
	err := r.withRetry(ctx, func() error {
		var err error
		s, err = scanSession(r.pool.QueryRow(ctx, query, arg))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// SaveStep сохраняет ответы шага step и поднимает step_completed. Остальные
// колонки сессии, в том числе состояние оплаты, не перезаписываются.
func (r *PostgresRepository) SaveStep(ctx context.Context, s *model.Session, step model.Step) error {
	var (
		set  string
		args []any
	)

	switch step {
	case model.StepDemographics:
		set = `sex = $3, age = $4, height_cm = $5, weight_kg = $6`
		args = []any{string(s.Demographics.Sex), s.Demographics.Age, s.Demographics.HeightCM, s.Demographics.WeightKG}
	case model.StepLifestyle:
		set = `activity_level = $3, goal = $4, diet_type = $5`
		args = []any{s.Lifestyle.ActivityLevel, s.Lifestyle.Goal, s.Lifestyle.DietType}
	case model.StepMacros:
		macros, err := json.Marshal(s.Macros)
		if err != nil {
			return fmt.Errorf("encode calculated_macros: %w", err)
		}
		set = `calculated_macros = $3`
		args = []any{macros}
	case model.StepContact:
		set = `email = $3, first_name = $4, last_name = $5, phone = $6,
			health_conditions = $7, medications = $8, allergies = $9, marketing_consent = $10,
			completed_at = COALESCE(completed_at, $11)`
		args = []any{
			s.Contact.Email, s.Contact.FirstName, s.Contact.LastName, s.Contact.Phone,
			s.Contact.HealthConditions, s.Contact.Medications, s.Contact.Allergies, s.Contact.MarketingConsent,
			s.CompletedAt,
		}
	default:
		return fmt.Errorf("save step %d: %w", step, model.ErrUnknownStep)
	}

	var (
		stepDone int16
		payment  string
	)
	err := r.pool.QueryRow(ctx,
		`UPDATE calculator_sessions SET `+set+`,
			step_completed = GREATEST(step_completed, $2),
			updated_at = NOW()
		 WHERE id = $1
		 RETURNING step_completed, is_premium, payment_status, completed_at, updated_at`,
		append([]any{s.ID, int16(step)}, args...)...,
	).Scan(&stepDone, &s.IsPremium, &payment, &s.CompletedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("save step %d: %w", step, err)
	}

	s.StepCompleted = model.Step(stepDone)
	s.PaymentStatus = model.PaymentStatus(payment)
	return nil
}

// SetPaymentIntent сохраняет выбранный тариф и идентификатор платежа. Оплаченная
// сессия не изменяется: в этом случае возвращается ErrSessionPaid.
func (r *PostgresRepository) SetPaymentIntent(ctx context.Context, s *model.Session) error {
	err := r.pool.QueryRow(ctx,
		`UPDATE calculator_sessions SET
			tier_id = $2, stripe_payment_intent_id = $3, amount_cents = $4,
			updated_at = NOW()
		 WHERE id = $1 AND payment_status = 'pending' AND NOT is_premium
		 RETURNING updated_at`,
		s.ID, s.TierID, s.PaymentIntentID, s.AmountCents,
	).Scan(&s.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("set payment intent: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM calculator_sessions WHERE id = $1)`, s.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return ErrSessionNotFound
	}
	return ErrSessionPaid
}

// markPaid переводит сессию в оплаченное состояние, только если в ней всё ещё
// хранится проверенный идентификатор платежа.
func markPaid(ctx context.Context, q querier, s *model.Session) error {
	var (
		payment  string
		stepDone int16
	)
	err := q.QueryRow(ctx,
		`UPDATE calculator_sessions SET
			is_premium = TRUE, payment_status = 'completed', updated_at = NOW()
		 WHERE id = $1 AND stripe_payment_intent_id = $2
		 RETURNING is_premium, payment_status, step_completed, updated_at`,
		s.ID, s.PaymentIntentID,
	).Scan(&s.IsPremium, &payment, &stepDone, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPaymentIntentChanged
		}
		return fmt.Errorf("mark session paid: %w", err)
	}
	s.PaymentStatus = model.PaymentStatus(payment)
	s.StepCompleted = model.Step(stepDone)
	return nil
}

// GetActiveTiers возвращает активные тарифы в порядке отображения.
func (r *PostgresRepository) GetActiveTiers(ctx context.Context) ([]model.PaymentTier, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, price_cents, currency, is_active, display_order
		 FROM payment_tiers
		 WHERE is_active
		 ORDER BY display_order, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select tiers: %w", err)
	}
	defer rows.Close()

	var tiers []model.PaymentTier
	for rows.Next() {
		var t model.PaymentTier
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.PriceCents, &t.Currency, &t.Active, &t.DisplayOrder); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		tiers = append(tiers, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return tiers, nil
}

// GetTier возвращает активный тариф по идентификатору.
func (r *PostgresRepository) GetTier(ctx context.Context, id string) (*model.PaymentTier, error) {
	var t model.PaymentTier
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, price_cents, currency, is_active, display_order
		 FROM payment_tiers
		 WHERE id = $1 AND is_active`,
		id,
	).Scan(&t.ID, &t.Name, &t.Description, &t.PriceCents, &t.Currency, &t.Active, &t.DisplayOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTierNotFound
		}
		return nil, fmt.Errorf("get tier: %w", err)
	}
	return &t, nil
}
