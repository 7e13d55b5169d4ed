package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nexsaude/carteirinha-jobs/internal/config"
	"github.com/nexsaude/carteirinha-jobs/internal/domain"
	"github.com/nexsaude/carteirinha-jobs/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Producer usecase.ProducerService
	Jobs     domain.JobStore
	DBCheck  func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, producer usecase.ProducerService, jobs domain.JobStore, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Producer: producer, Jobs: jobs, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type createJobRequest struct {
	Type      string  `json:"type"`
	Card      string  `json:"card" validate:"required"`
	CardAlt   *string `json:"card_alt"`
	PatientID *string `json:"patient_id"`
}

type jobResponse struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	CardNumber  string     `json:"card_number"`
	CardAlt     *string    `json:"card_alt,omitempty"`
	PatientID   *string    `json:"patient_id,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	LockedBy    *string    `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		Type:        j.Type,
		CardNumber:  j.CardNumber,
		CardAlt:     j.CardAlt,
		PatientID:   j.PatientID,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		LastError:   j.LastError,
		LockedBy:    j.LockedBy,
		LockedUntil: j.LockedUntil,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// CreateJobHandler accepts a card verification request. A de-duplicated card
// returns 200 with the skip reason instead of a new job.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), map[string]string{"field": "card"})
			return
		}
		res, err := s.Producer.CreateJob(r.Context(), req.Type, req.Card, req.CardAlt, req.PatientID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if res.Skipped {
			writeJSON(w, http.StatusOK, map[string]any{
				"skipped": true,
				"reason":  string(res.Reason),
				"card":    req.Card,
			})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job": toJobResponse(res.Job)})
	}
}

// GetJobHandler returns one job by id.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		j, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, map[string]string{"id": id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": toJobResponse(j)})
	}
}

// ListCardJobsHandler returns the newest jobs for a card.
func (s *Server) ListCardJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		card := chi.URLParam(r, "card")
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 200 {
				writeError(w, r, fmt.Errorf("%w: limit must be 1..200", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		jobs, err := s.Jobs.ListByCard(r.Context(), card, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"card": card, "jobs": out})
	}
}

// StatsHandler reports queue depth per status.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.Jobs.CountByStatus(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make(map[string]int64, len(counts))
		for st, n := range counts {
			out[string(st)] = n
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

// ReadyzHandler verifies the database dependency.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "db": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}
