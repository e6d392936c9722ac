// Package api exposes the orchestrator to point-of-sale terminals over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitwit/cryptopay/audit"
	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/orchestrator"
	"github.com/vitwit/cryptopay/types"
	"github.com/vitwit/cryptopay/utils"
)

const maxBodyBytes = 1 << 20

// Service is the orchestrator surface the handlers use.
type Service interface {
	RequestPayment(ctx context.Context, req orchestrator.PaymentRequest) (*orchestrator.Instructions, error)
	SubmitClientReference(ctx context.Context, id, reference string) (*orchestrator.StatusView, error)
	GetIntentStatus(ctx context.Context, id string) (*orchestrator.StatusView, error)
}

// Auditor verifies the audit chain. *audit.Chain satisfies it.
type Auditor interface {
	VerifyLedger(ctx context.Context) (audit.Report, error)
}

type Options struct {
	// MerchantSecret enables X-Signature checks on POST routes.
	MerchantSecret string
	// Terminals serves the /ws notification stream when set.
	Terminals http.Handler
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   logger.Logger
}

type server struct {
	svc     Service
	auditor Auditor
	log     logger.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(svc Service, auditor Auditor, opts Options) http.Handler {
	s := &server{svc: svc, auditor: auditor, log: logger.OrNoop(opts.Logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Terminals != nil {
		r.Handle("/ws", opts.Terminals)
	}

	r.Route("/payments", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.MerchantSecret != "" {
				r.Use(RequireSignature([]byte(opts.MerchantSecret), s.log))
			}
			r.Post("/", s.handleRequestPayment)
			r.Post("/{id}/reference", s.handleSubmitReference)
		})
		r.Get("/{id}", s.handleGetStatus)
	})

	if auditor != nil {
		r.Get("/audit/verify", s.handleVerifyLedger)
	}
	return r
}

func (s *server) handleRequestPayment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, types.WrapError(types.ErrInvalidRequest, "read body", err))
		return
	}
	req, err := utils.ParsePaymentRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}

	ins, err := s.svc.RequestPayment(r.Context(), orchestrator.PaymentRequest{
		FiatAmount: req.FiatAmount,
		Currency:   req.Currency,
		Network:    types.Network(req.Network),
		Reference:  req.TxHash,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ins)
}

func (s *server) handleSubmitReference(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, types.WrapError(types.ErrInvalidRequest, "read body", err))
		return
	}
	ref, err := utils.ParseReference(body)
	if err != nil {
		writeError(w, err)
		return
	}

	current, err := s.svc.GetIntentStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	reference := utils.NormalizeReference(ref.TxHash, current.Network)
	if err := utils.ValidateReference(reference, current.Network); err != nil {
		writeError(w, err)
		return
	}

	view, err := s.svc.SubmitClientReference(r.Context(), id, reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetIntentStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleVerifyLedger answers 200 for an intact chain and 409 with the report
// when an entry diverges.
func (s *server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := s.auditor.VerifyLedger(r.Context())
	if err != nil && !errors.Is(err, types.ErrIntegrity) {
		writeError(w, err)
		return
	}
	if !report.OK {
		writeJSON(w, http.StatusConflict, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusOf(code string) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrUnsupportedNetwork:
		return http.StatusBadRequest
	case types.ErrIntentNotFound:
		return http.StatusNotFound
	case types.ErrInvalidTransition, types.ErrReferenceAlreadyUsed:
		return http.StatusConflict
	case types.ErrNoQuoteAvailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	status := statusOf(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if code == "" {
			code = "INTERNAL"
		}
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
		})
	}
}
