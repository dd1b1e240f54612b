package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"mail-scheduler/internal/config"
	"mail-scheduler/internal/models"
	"mail-scheduler/internal/scheduler"
	"mail-scheduler/internal/store"
	"mail-scheduler/internal/telemetry"
)

// BatchScheduler creates records and jobs for a batch.
type BatchScheduler interface {
	ScheduleBatch(ctx context.Context, req scheduler.BatchRequest) ([]string, error)
}

// RecordReader is the read-only record surface.
type RecordReader interface {
	GetRecord(ctx context.Context, id string) (models.EmailRecord, error)
	ListRecords(ctx context.Context, f store.ListFilter) ([]models.EmailRecord, error)
}

// Server wires HTTP handlers for scheduling and listing emails.
type Server struct {
	cfg       config.Config
	scheduler BatchScheduler
	records   RecordReader
	validate  *validator.Validate
	log       *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, sched BatchScheduler, records RecordReader, logger *zap.Logger) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		cfg:       cfg,
		scheduler: sched,
		records:   records,
		validate:  v,
		log:       logger.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/emails", func(r chi.Router) {
		r.Post("/schedule", s.handleSchedule)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
	})
	return r
}

type scheduleRequest struct {
	Sender         string   `json:"sender" validate:"required,email"`
	Subject        string   `json:"subject" validate:"required"`
	Body           string   `json:"body" validate:"required"`
	Recipients     []string `json:"recipients" validate:"required,min=1,dive,required,email"`
	ScheduledAt    string   `json:"scheduledAt" validate:"required"`
	DelayBetweenMs *int     `json:"delayBetweenMs" validate:"omitempty,gt=0"`
}

type scheduleResponse struct {
	IDs         []string `json:"ids"`
	Unsubmitted []string `json:"unsubmitted,omitempty"`
}

// listResponse is one page of records. NextOffset is set when the page is full.
type listResponse struct {
	Emails     []models.EmailRecord `json:"emails"`
	Limit      int                  `json:"limit"`
	Offset     int                  `json:"offset"`
	NextOffset *int                 `json:"nextOffset,omitempty"`
}

// errorBody mirrors the flattened validation shape the dashboard reads.
type errorBody struct {
	FormErrors  []string            `json:"formErrors"`
	FieldErrors map[string][]string `json:"fieldErrors"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{FormErrors: []string{"invalid json"}, FieldErrors: map[string][]string{}})
		return
	}

	fieldErrors := map[string][]string{}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, errorBody{FormErrors: []string{err.Error()}, FieldErrors: fieldErrors})
			return
		}
		for _, fe := range verrs {
			field := fe.Field()
			if i := strings.IndexByte(field, '['); i >= 0 {
				field = field[:i]
			}
			fieldErrors[field] = append(fieldErrors[field], describe(fe))
		}
	}
	var scheduledAt time.Time
	if req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			fieldErrors["scheduledAt"] = append(fieldErrors["scheduledAt"], "Invalid datetime")
		}
		scheduledAt = t
	}
	if len(fieldErrors) > 0 {
		writeError(w, http.StatusBadRequest, errorBody{FormErrors: []string{}, FieldErrors: fieldErrors})
		return
	}

	batch := scheduler.BatchRequest{
		Sender:      req.Sender,
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  req.Recipients,
		ScheduledAt: scheduledAt,
	}
	if req.DelayBetweenMs != nil {
		spacing := time.Duration(*req.DelayBetweenMs) * time.Millisecond
		batch.DelayBetween = &spacing
	}

	ids, err := s.scheduler.ScheduleBatch(r.Context(), batch)
	var partial *scheduler.PartialSubmissionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, scheduleResponse{IDs: ids})
	case errors.As(err, &partial):
		s.log.Error("batch committed with unsubmitted jobs", zap.Strings("email_ids", partial.Orphaned), zap.Error(err))
		writeJSON(w, http.StatusCreated, scheduleResponse{IDs: ids, Unsubmitted: partial.Orphaned})
	case errors.Is(err, scheduler.ErrInvalidBatch):
		writeError(w, http.StatusBadRequest, errorBody{FormErrors: []string{err.Error()}, FieldErrors: map[string][]string{}})
	default:
		s.log.Error("schedule batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, map[string]string{"message": "failed to schedule emails"})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var f store.ListFilter
	// Unknown status values are ignored rather than rejected.
	if st, ok := models.ParseStatus(r.URL.Query().Get("status")); ok {
		f.Status = &st
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = n
		}
	}
	records, err := s.records.ListRecords(r.Context(), f)
	if err != nil {
		s.log.Error("list emails failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, map[string]string{"message": "failed to list emails"})
		return
	}
	for i := range records {
		records[i].Body = ""
	}
	resp := listResponse{Emails: records, Limit: f.PageSize(), Offset: f.Offset}
	if len(records) == resp.Limit {
		next := f.Offset + len(records)
		resp.NextOffset = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.records.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, map[string]string{"message": "email not found"})
		return
	}
	if err != nil {
		s.log.Error("get email failed", zap.String("email_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, map[string]string{"message": "failed to load email"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "Required"
	case "email":
		return "Invalid email"
	case "min":
		return "Must contain at least " + fe.Param() + " item(s)"
	case "gt":
		return "Must be greater than " + fe.Param()
	default:
		return "Invalid value"
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && origin == s.cfg.AppBaseURL {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeError(w http.ResponseWriter, code int, body any) {
	writeJSON(w, code, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
