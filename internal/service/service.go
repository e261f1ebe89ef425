// Package service реализует бизнес-логику воронки калькулятора: шаги анкеты,
// оплату и выпуск персонального отчёта.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/macro-funnel/internal/model"
	"github.com/mmeshcher/macro-funnel/internal/report"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error

	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, token string) (*model.Session, error)
	GetSessionByID(ctx context.Context, id string) (*model.Session, error)
	SaveStep(ctx context.Context, s *model.Session, step model.Step) error
	SetPaymentIntent(ctx context.Context, s *model.Session) error

	GetActiveTiers(ctx context.Context) ([]model.PaymentTier, error)
	GetTier(ctx context.Context, id string) (*model.PaymentTier, error)

	CompletePayment(ctx context.Context, s *model.Session, rep *model.Report) (*model.Report, error)
	CreateReport(ctx context.Context, rep *model.Report) error
	GetReportBySession(ctx context.Context, sessionID string) (*model.Report, error)
	GetReportByToken(ctx context.Context, accessToken string) (*model.Report, error)
	ClaimQueuedReports(ctx context.Context, limit int) ([]model.Report, error)
	UpdateReportState(ctx context.Context, id string, state model.ReportState) error
	CompleteReport(ctx context.Context, id string, html string) error
	MarkReportExpired(ctx context.Context, id string) error
}

// Generator генерирует текст отчёта по системному и пользовательскому промпту.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Options задаёт параметры сервиса.
type Options struct {
	CheckoutBaseURL string
	ReportTTL       time.Duration
	WorkerInterval  time.Duration
	WorkerBatch     int
}

const (
	defaultReportTTL      = 48 * time.Hour
	defaultWorkerInterval = 2 * time.Second
	defaultWorkerBatch    = 10
	defaultCheckoutURL    = "https://checkout.stripe.com/pay"

	sessionTokenBytes = 16
	accessTokenBytes  = 32
	intentBytes       = 16
)

// Service содержит бизнес-логику воронки калькулятора.
type Service struct {
	repo      Repository
	generator Generator
	renderer  *report.Renderer
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// NewService создаёт сервис с указанным репозиторием и генератором текста.
// generator может быть nil: тогда отчёт всегда строится из резервного шаблона.
func NewService(repo Repository, generator Generator, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReportTTL <= 0 {
		opts.ReportTTL = defaultReportTTL
	}
	if opts.WorkerInterval <= 0 {
		opts.WorkerInterval = defaultWorkerInterval
	}
	if opts.WorkerBatch <= 0 {
		opts.WorkerBatch = defaultWorkerBatch
	}
	if opts.CheckoutBaseURL == "" {
		opts.CheckoutBaseURL = defaultCheckoutURL
	}

	return &Service{
		repo:      repo,
		generator: generator,
		renderer:  report.NewRenderer(),
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
