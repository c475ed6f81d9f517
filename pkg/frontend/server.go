// Package frontend implements the front-end request router (C10): a
// thin HTTP adapter mapping the transaction endpoints onto the
// Transaction Manager (C9), the /health lease-holder check, and the
// /live and /ready probes.
package frontend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/pbs/pkg/auth"
	"github.com/cuemby/pbs/pkg/log"
	"github.com/cuemby/pbs/pkg/metrics"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/transaction"
	"github.com/cuemby/pbs/pkg/types"
)

const (
	headerTransactionID          = "x-gscp-transaction-id"
	headerClaimedIdentity        = "x-gscp-claimed-identity"
	headerLastExecutionTimestamp = "x-gscp-transaction-last-execution-timestamp"
	headerAuthorization          = "Authorization"
)

// HealthCheck reports whether this instance currently holds the
// partition lease and is fit to serve traffic.
type HealthCheck func() bool

// Server is the HTTP adapter for C9's transaction operations.
type Server struct {
	manager *transaction.Manager
	health  HealthCheck
	mux     *http.ServeMux
	logger  zerolog.Logger
	limiter *rate.Limiter
	authz   *auth.InboundCache
}

// NewServer builds a Server delegating to manager. health may be nil,
// in which case /health always reports healthy.
func NewServer(manager *transaction.Manager, health HealthCheck) *Server {
	s := &Server{manager: manager, health: health, mux: http.NewServeMux(), logger: log.WithComponent("frontend")}
	s.mux.HandleFunc("/v1/transactions:begin", s.withMetrics("begin", s.handleBegin))
	s.mux.HandleFunc("/v1/transactions:prepare", s.withMetrics("prepare", s.phaseHandler(transaction.ReqPrepare)))
	s.mux.HandleFunc("/v1/transactions:commit", s.withMetrics("commit", s.phaseHandler(transaction.ReqCommit)))
	s.mux.HandleFunc("/v1/transactions:notify", s.withMetrics("notify", s.phaseHandler(transaction.ReqNotify)))
	s.mux.HandleFunc("/v1/transactions:abort", s.withMetrics("abort", s.phaseHandler(transaction.ReqAbort)))
	s.mux.HandleFunc("/v1/transactions:end", s.withMetrics("end", s.phaseHandler(transaction.ReqEnd)))
	s.mux.HandleFunc("/v1/transactions:status", s.withMetrics("status", s.handleStatus))
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/live", metrics.LivenessHandler())
	s.mux.HandleFunc("/ready", metrics.ReadyHandler())
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// SetAuthorizer wires an inbound credential cache (C14) ahead of
// :begin. A nil cache (the default) leaves :begin unauthenticated.
func (s *Server) SetAuthorizer(cache *auth.InboundCache) {
	s.authz = cache
}

// SetRateLimit caps incoming requests to rps requests per second with a
// burst of burst, ahead of C9's admission control. A non-positive rps
// disables the limiter (the default).
func (s *Server) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, pbserr.NewRetry(pbserr.CodeCannotAcceptNewRequests, nil))
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) withMetrics(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		timer.ObserveDurationVec(metrics.FrontendRequestDuration, route)
		metrics.FrontendRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

type beginCommandJSON struct {
	Key           types.BudgetKeyName `json:"key"`
	ReportingTime int64               `json:"reporting_time"`
	TokenCount    types.TokenCount    `json:"token_count"`
}

type beginRequestJSON struct {
	TransactionID     string             `json:"transaction_id"`
	TransactionSecret string             `json:"transaction_secret"`
	ClaimedIdentity   string             `json:"claimed_identity"`
	Data              []beginCommandJSON `json:"data"`
}

type lastExecutionTimestampResponse struct {
	LastExecutionTimestamp uint64 `json:"last_execution_timestamp"`
}

type statusResponseJSON struct {
	Phase                  types.TransactionPhase `json:"transaction_execution_phase"`
	LastExecutionTimestamp uint64                 `json:"last_execution_timestamp"`
	IsExpired              bool                   `json:"is_expired"`
	HasFailures            bool                   `json:"has_failures"`
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, pbserr.NewFailure(pbserr.CodeBadRequest, nil))
		return
	}
	var body beginRequestJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, pbserr.NewFailure(pbserr.CodeBadRequest, err))
		return
	}
	claimedIdentity := body.ClaimedIdentity
	if h := r.Header.Get(headerClaimedIdentity); h != "" {
		claimedIdentity = h
	}

	if s.authz != nil {
		credential := r.Header.Get(headerAuthorization)
		if credential == "" {
			writeError(w, pbserr.NewFailure(pbserr.CodeUnauthorized, nil))
			return
		}
		if _, err := s.authz.Authorize(r.Context(), claimedIdentity, credential); err != nil {
			writeError(w, err)
			return
		}
	}

	commands := make([]types.ConsumeBudgetCommandSpec, len(body.Data))
	for i, c := range body.Data {
		commands[i] = types.ConsumeBudgetCommandSpec{
			BudgetKeyName: c.Key,
			ReportingTime: types.ReportingTime(c.ReportingTime),
			TokenCount:    c.TokenCount,
		}
	}

	txn, err := s.manager.Begin(r.Context(), transaction.BeginRequest{
		Secret:   body.TransactionSecret,
		Origin:   types.TransactionOrigin{ClaimedIdentity: claimedIdentity},
		Commands: commands,
		// IsCoordinatedRemotely is left false, so a transaction begun
		// over HTTP is driven to completion locally within this call.
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set(headerLastExecutionTimestamp, strconv.FormatUint(txn.LastExecutionTimestamp, 10))
	writeJSON(w, http.StatusOK, lastExecutionTimestampResponse{LastExecutionTimestamp: txn.LastExecutionTimestamp})
}

func (s *Server) phaseHandler(req transaction.Request) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, pbserr.NewFailure(pbserr.CodeBadRequest, nil))
			return
		}
		id, err := types.ParseUUID(r.Header.Get(headerTransactionID))
		if err != nil {
			writeError(w, pbserr.NewFailure(pbserr.CodeBadRequest, err))
			return
		}
		lastSeen, err := strconv.ParseUint(r.Header.Get(headerLastExecutionTimestamp), 10, 64)
		if err != nil {
			writeError(w, pbserr.NewFailure(pbserr.CodeBadRequest, err))
			return
		}

		txn, err := s.manager.ExecutePhase(r.Context(), id, req, lastSeen)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set(headerLastExecutionTimestamp, strconv.FormatUint(txn.LastExecutionTimestamp, 10))
		writeJSON(w, http.StatusOK, lastExecutionTimestampResponse{LastExecutionTimestamp: txn.LastExecutionTimestamp})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, pbserr.NewFailure(pbserr.CodeBadRequest, nil))
		return
	}
	id, err := types.ParseUUID(r.Header.Get(headerTransactionID))
	if err != nil {
		writeError(w, pbserr.NewFailure(pbserr.CodeBadRequest, err))
		return
	}
	phase, lastSeen, isExpired, hasFailures, found := s.manager.GetTransactionStatus(id)
	if !found {
		phase = types.PhaseUnknown
	}
	writeJSON(w, http.StatusOK, statusResponseJSON{
		Phase:                  phase,
		LastExecutionTimestamp: lastSeen,
		IsExpired:              isExpired,
		HasFailures:            hasFailures,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.health != nil && !s.health() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := pbserr.CodeOf(err)
	status := code.HTTPStatus()
	if pbserr.IsRetry(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"code": string(code), "message": err.Error()})
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}
