package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nexsaude/carteirinha-jobs/internal/domain"
)

// CardRepo reads beneficiary cards from the carteirinhas reference table,
// which is seeded by the spreadsheet import pipeline outside this repo.
type CardRepo struct{ Pool PgxPool }

// NewCardRepo constructs a CardRepo with the given pool.
func NewCardRepo(p PgxPool) *CardRepo { return &CardRepo{Pool: p} }

// ListActive returns cards marked active. Rows with NULL status are treated as
// active, matching how the import pipeline leaves legacy rows.
func (r *CardRepo) ListActive(ctx domain.Context) ([]domain.Card, error) {
	tracer := otel.Tracer("repo.cards")
	ctx, span := tracer.Start(ctx, "cards.ListActive")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		`SELECT id, carteiras, paciente, id_pagamento, status
		 FROM carteirinhas
		 WHERE status = 'ativo' OR status IS NULL
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("op=cards.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Card
	for rows.Next() {
		var c domain.Card
		var status *string
		if err := rows.Scan(&c.ID, &c.Number, &c.Patient, &c.PatientID, &status); err != nil {
			return nil, fmt.Errorf("op=cards.list_active: %w", err)
		}
		c.Active = status == nil || *status == "ativo"
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=cards.list_active: %w", err)
	}
	return out, nil
}

// ListWithAppointmentsOn returns distinct cards that have an appointment on
// the given day. Feeds the daily-window producer.
func (r *CardRepo) ListWithAppointmentsOn(ctx domain.Context, day time.Time) ([]domain.Card, error) {
	tracer := otel.Tracer("repo.cards")
	ctx, span := tracer.Start(ctx, "cards.ListWithAppointmentsOn")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		`SELECT DISTINCT c.id, c.carteiras, c.paciente, c.id_pagamento
		 FROM carteirinhas c
		 INNER JOIN agendamentos a ON c.carteiras = a.carteirinha
		 WHERE a.data = $1
		 ORDER BY c.id`,
		day.Format("2006-01-02"),
	)
	if err != nil {
		return nil, fmt.Errorf("op=cards.list_with_appointments: %w", err)
	}
	defer rows.Close()
	var out []domain.Card
	for rows.Next() {
		var c domain.Card
		if err := rows.Scan(&c.ID, &c.Number, &c.Patient, &c.PatientID); err != nil {
			return nil, fmt.Errorf("op=cards.list_with_appointments: %w", err)
		}
		c.Active = true
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=cards.list_with_appointments: %w", err)
	}
	return out, nil
}
