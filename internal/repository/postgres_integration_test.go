package repository

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/macro-funnel/internal/model"
)

// newTestRepository подключается к БД из TEST_DATABASE_URI и пропускает тест, если она не задана.
func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func hexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func createTestSession(t *testing.T, repo *PostgresRepository) *model.Session {
	t.Helper()
	ctx := context.Background()

	s := &model.Session{
		ID:            uuid.NewString(),
		Token:         hexID(),
		StepCompleted: model.StepNone,
		PaymentStatus: model.PaymentStatusPending,
	}
	require.NoError(t, repo.CreateSession(ctx, s))

	t.Cleanup(func() {
		_, _ = repo.pool.Exec(ctx, `DELETE FROM calculator_reports WHERE session_id = $1`, s.ID)
		_, _ = repo.pool.Exec(ctx, `DELETE FROM calculator_sessions WHERE id = $1`, s.ID)
	})
	return s
}

func newTestReport(sessionID string) *model.Report {
	now := time.Now().UTC()
	return &model.Report{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		AccessToken: hexID() + hexID(),
		State:       model.Queued(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(48 * time.Hour),
	}
}

func payTestSession(t *testing.T, repo *PostgresRepository, s *model.Session) *model.Report {
	t.Helper()
	ctx := context.Background()

	s.TierID = "premium"
	s.AmountCents = 2900
	s.PaymentIntentID = "pi_" + hexID()
	require.NoError(t, repo.SetPaymentIntent(ctx, s))

	stored, err := repo.CompletePayment(ctx, s, newTestReport(s.ID))
	require.NoError(t, err)
	return stored
}

func TestPostgres_SaveStepIsMonotonic(t *testing.T) {
	repo := newTestRepository(t)
	s := createTestSession(t, repo)
	ctx := context.Background()

	s.Demographics = model.Demographics{Sex: model.SexFemale, Age: 41, HeightCM: 168, WeightKG: 64}
	require.NoError(t, repo.SaveStep(ctx, s, model.StepDemographics))
	assert.Equal(t, model.StepDemographics, s.StepCompleted)

	s.Macros = &model.Macros{Calories: 1800, Protein: 120, Carbs: 180, Fat: 60}
	require.NoError(t, repo.SaveStep(ctx, s, model.StepMacros))
	assert.Equal(t, model.StepMacros, s.StepCompleted)

	s.Demographics.Age = 42
	require.NoError(t, repo.SaveStep(ctx, s, model.StepDemographics))
	assert.Equal(t, model.StepMacros, s.StepCompleted)

	stored, err := repo.GetSession(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, model.StepMacros, stored.StepCompleted)
	assert.Equal(t, 42, stored.Demographics.Age)
	require.NotNil(t, stored.Macros)
	assert.Equal(t, 1800.0, stored.Macros.Calories)
}

func TestPostgres_StaleStepWriteKeepsPayment(t *testing.T) {
	repo := newTestRepository(t)
	s := createTestSession(t, repo)
	ctx := context.Background()

	stale := *s
	payTestSession(t, repo, s)

	stale.Lifestyle = model.Lifestyle{ActivityLevel: "light", Goal: "maintain"}
	require.NoError(t, repo.SaveStep(ctx, &stale, model.StepLifestyle))
	assert.True(t, stale.Paid())

	stored, err := repo.GetSession(ctx, s.Token)
	require.NoError(t, err)
	assert.True(t, stored.Paid())
	assert.Equal(t, s.PaymentIntentID, stored.PaymentIntentID)
	assert.Equal(t, "light", stored.Lifestyle.ActivityLevel)
}

func TestPostgres_CompletePaymentIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	s := createTestSession(t, repo)
	ctx := context.Background()

	first := payTestSession(t, repo, s)

	second, err := repo.CompletePayment(ctx, s, newTestReport(s.ID))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.AccessToken, second.AccessToken)

	replaced := *s
	replaced.PaymentIntentID = "pi_" + hexID()
	assert.ErrorIs(t, repo.SetPaymentIntent(ctx, &replaced), ErrSessionPaid)

	_, err = repo.CompletePayment(ctx, &replaced, newTestReport(s.ID))
	assert.ErrorIs(t, err, ErrPaymentIntentChanged)
}

func TestPostgres_ClaimWaitsForContactStep(t *testing.T) {
	repo := newTestRepository(t)
	s := createTestSession(t, repo)
	ctx := context.Background()

	rep := payTestSession(t, repo, s)

	claimed, err := repo.ClaimQueuedReports(ctx, 100)
	require.NoError(t, err)
	for _, c := range claimed {
		assert.NotEqual(t, rep.ID, c.ID)
	}

	s.Contact = model.Contact{Email: "ann@example.com", FirstName: "Ann", LastName: "Lee"}
	now := time.Now().UTC()
	s.CompletedAt = &now
	require.NoError(t, repo.SaveStep(ctx, s, model.StepContact))

	claimed, err = repo.ClaimQueuedReports(ctx, 100)
	require.NoError(t, err)

	var found *model.Report
	for i := range claimed {
		if claimed[i].ID == rep.ID {
			found = &claimed[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, model.Generating(1), found.State)
}
