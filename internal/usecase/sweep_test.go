package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexsaude/carteirinha-jobs/internal/domain"
	"github.com/nexsaude/carteirinha-jobs/internal/usecase"
)

type stubCardRepo struct {
	active    []domain.Card
	byDay     []domain.Card
	requested time.Time
	listErr   error
}

func (r *stubCardRepo) ListActive(domain.Context) ([]domain.Card, error) {
	return r.active, r.listErr
}
func (r *stubCardRepo) ListWithAppointmentsOn(_ domain.Context, day time.Time) ([]domain.Card, error) {
	r.requested = day
	return r.byDay, r.listErr
}

func TestFullSweep_CountsAndDedups(t *testing.T) {
	t.Parallel()
	store := &stubJobStore{}
	cards := &stubCardRepo{active: []domain.Card{
		{ID: 1, Number: "111"},
		{ID: 2, Number: "222"},
		{ID: 3, Number: "111"}, // duplicate card, one job
		{ID: 4, Number: ""},    // no card number, ignored entirely
	}}
	svc := usecase.NewSweepService(usecase.NewProducerService(store, usecase.DedupPolicy{}), cards, 0)

	sum, err := svc.FullSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 0, sum.Skipped)
	assert.Equal(t, 0, sum.Errors)
	require.Len(t, store.inserted, 2)
}

func TestFullSweep_SkipsCounted(t *testing.T) {
	t.Parallel()
	store := &stubJobStore{pendingOrProcessing: true}
	cards := &stubCardRepo{active: []domain.Card{{ID: 1, Number: "111"}, {ID: 2, Number: "222"}}}
	svc := usecase.NewSweepService(usecase.NewProducerService(store, allFilters()), cards, 0)

	sum, err := svc.FullSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 0, sum.Created)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 2, sum.Reasons[domain.SkipPendingOrProcessing])
}

func TestFullSweep_InsertErrorsCounted(t *testing.T) {
	t.Parallel()
	store := &stubJobStore{insertErr: errors.New("db down")}
	cards := &stubCardRepo{active: []domain.Card{{ID: 1, Number: "111"}}}
	svc := usecase.NewSweepService(usecase.NewProducerService(store, usecase.DedupPolicy{}), cards, 0)

	sum, err := svc.FullSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 0, sum.Created)
}

func TestFullSweep_ListErrorPropagates(t *testing.T) {
	t.Parallel()
	cards := &stubCardRepo{listErr: errors.New("db down")}
	svc := usecase.NewSweepService(usecase.NewProducerService(&stubJobStore{}, usecase.DedupPolicy{}), cards, 0)
	_, err := svc.FullSweep(context.Background())
	require.Error(t, err)
}

func TestDailyWindow_PassesDay(t *testing.T) {
	t.Parallel()
	store := &stubJobStore{}
	cards := &stubCardRepo{byDay: []domain.Card{{ID: 1, Number: "111"}}}
	svc := usecase.NewSweepService(usecase.NewProducerService(store, usecase.DedupPolicy{}), cards, 0)

	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	sum, err := svc.DailyWindow(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, day, cards.requested)
	assert.Equal(t, 1, sum.Created)
}

func TestSweep_RateLimitHonorsCancel(t *testing.T) {
	t.Parallel()
	store := &stubJobStore{}
	cards := &stubCardRepo{active: []domain.Card{{ID: 1, Number: "111"}, {ID: 2, Number: "222"}}}
	svc := usecase.NewSweepService(usecase.NewProducerService(store, usecase.DedupPolicy{}), cards, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := svc.FullSweep(ctx)
	require.NoError(t, err)
	// First insert lands, then the rate-limit wait observes the cancelled ctx.
	assert.Equal(t, 1, sum.Created)
	require.Len(t, store.inserted, 1)
}
