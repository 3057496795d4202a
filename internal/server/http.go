package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"epochvault/internal/core"
	"epochvault/internal/ingestion"
	"epochvault/internal/observability"
	"epochvault/internal/projection"
	"epochvault/internal/query"
	"epochvault/internal/vault"
)

// HTTPServer serves the HTTP/JSON API: live vault state, round and
// withdrawal queries, and admin command injection.
type HTTPServer struct {
	httpServer *http.Server
	addr       string
	deps       *Deps
	log        zerolog.Logger
}

// Deps holds all dependencies needed by the HTTP handlers.
type Deps struct {
	DB            *sql.DB
	Vault         *vault.Vault
	Processor     *core.Processor
	QueryService  *query.QueryService
	AdminIngest   *ingestion.AdminIngestService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	StartTime     time.Time
}

func NewHTTPServer(addr string, deps *Deps, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		addr: addr,
		deps: deps,
		log:  log.With().Str("component", "http_server").Logger(),
	}
}

// Start starts the HTTP server (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/state", s.handleGetState},
		{"GET", "/v1/preview", s.handlePreview},
		{"GET", "/v1/rounds", s.handleListRounds},
		{"GET", "/v1/rounds/{round}", s.handleGetRound},
		{"GET", "/v1/rounds/{round}/price", s.handleGetPrice},
		{"GET", "/v1/accounts/{account}", s.handleGetAccount},
		{"GET", "/v1/withdrawals/{account}", s.handleGetWithdrawals},
		{"GET", "/v1/operations", s.handleListOperations},
		{"POST", "/v1/admin/deposits", s.handleInjectDeposit},
		{"POST", "/v1/admin/withdrawals/queue", s.handleInjectWithdrawQueue},
		{"POST", "/v1/admin/withdrawals/complete", s.handleInjectWithdrawComplete},
		{"POST", "/v1/admin/rounds/close", s.handleInjectRoundClose},
		{"POST", "/v1/admin/valuations", s.handleInjectValuation},
		{"POST", "/v1/admin/fees/pay", s.handlePayFees},
		{"POST", "/v1/admin/projections/rebuild", s.handleRebuildProjections},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
	}

	for _, r := range routes {
		handler := r.handler
		if s.deps.Metrics != nil {
			handler = instrumented(s.deps.Metrics, r.pattern, handler)
		}
		if err := mux.HandlePath(r.method, r.pattern, handler); err != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

func instrumented(m *observability.Metrics, endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		h(w, r, pathParams)
		m.QueryRequests.WithLabelValues(endpoint).Inc()
		m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// --- Query handlers ---

func (s *HTTPServer) handleGetState(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	st := s.deps.Vault.State()

	resp := map[string]interface{}{
		"round":                  st.Round,
		"locked_amount":          st.LockedAmount,
		"last_locked_amount":     st.LastLockedAmount,
		"total_pending":          st.TotalPending,
		"queued_withdraw_shares": st.QueuedWithdrawShares,
		"queued_withdraw_amount": s.deps.Vault.QueuedWithdrawAmount(),
		"current_price":          s.deps.Vault.CurrentPrice(),
		"total_shares":           s.deps.Vault.TotalShares(),
		"accrued_fees":           s.deps.Vault.AccruedFees(),
		"epoch_start":            st.EpochStart,
		"epoch_end":              st.EpochEnd,
		"as_of_sequence":         s.deps.Processor.GetSequence(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePreview computes the next close's balances without mutating state.
// total_balance is optional; when absent the latest reported valuation is
// used.
func (s *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var totalBalance int64
	if v := r.URL.Query().Get("total_balance"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid total_balance")
			return
		}
		totalBalance = parsed
	} else {
		val, ok := s.deps.Processor.LastValuation()
		if !ok {
			writeError(w, http.StatusBadRequest, "no valuation reported and no total_balance given")
			return
		}
		totalBalance = val
	}

	locked, queued, err := s.deps.Vault.PreviewNextRoundBalances(totalBalance)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_balance":          totalBalance,
		"locked_amount":          locked,
		"queued_withdraw_amount": queued,
	})
}

func (s *HTTPServer) handleListRounds(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	var beforeRound *uint64
	if v := r.URL.Query().Get("before_round"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before_round")
			return
		}
		beforeRound = &parsed
	}

	rounds, err := s.deps.QueryService.ListRounds(r.Context(), limit, beforeRound)
	if err != nil {
		s.log.Error().Err(err).Msg("list rounds failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rounds": rounds})
}

func (s *HTTPServer) handleGetRound(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	round, err := strconv.ParseUint(pathParams["round"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid round")
		return
	}

	resp, err := s.deps.QueryService.GetRound(r.Context(), round)
	if err != nil {
		s.log.Error().Err(err).Uint64("round", round).Msg("get round failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if resp == nil {
		writeError(w, http.StatusNotFound, "round not closed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetPrice(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	round, err := strconv.ParseUint(pathParams["round"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid round")
		return
	}

	// Prefer the live ledger; fall back to the projection for prices that
	// predate this process.
	if price, ok := s.deps.Vault.PriceForRound(round); ok {
		writeJSON(w, http.StatusOK, &query.PriceResponse{
			Round:        round,
			Price:        price,
			Finalized:    true,
			AsOfSequence: s.deps.Processor.GetSequence(),
		})
		return
	}

	resp, err := s.deps.QueryService.GetPriceForRound(r.Context(), round)
	if err != nil {
		s.log.Error().Err(err).Uint64("round", round).Msg("get price failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetAccount(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account := pathParams["account"]
	if account == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}

	resp := map[string]interface{}{
		"account":        account,
		"share_balance":  s.deps.Vault.ShareBalance(account),
		"as_of_sequence": s.deps.Processor.GetSequence(),
	}
	if wd, ok := s.deps.Vault.PendingWithdrawal(account); ok {
		resp["pending_withdrawal"] = map[string]interface{}{
			"round":  wd.Round,
			"shares": wd.Shares,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetWithdrawals(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account := pathParams["account"]
	if account == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}

	withdrawals, err := s.deps.QueryService.GetWithdrawals(r.Context(), account)
	if err != nil {
		s.log.Error().Err(err).Str("account", account).Msg("get withdrawals failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawals": withdrawals})
}

func (s *HTTPServer) handleListOperations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	var afterSeq *int64
	if v := r.URL.Query().Get("after_sequence"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		afterSeq = &parsed
	}

	entries, err := s.deps.QueryService.GetOperationHistory(r.Context(), limit, afterSeq)
	if err != nil {
		s.log.Error().Err(err).Msg("list operations failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": entries})
}

// --- Admin handlers ---

type depositRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func (s *HTTPServer) handleInjectDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.deps.AdminIngest.InjectDeposit(r.Context(), req.Account, req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type withdrawQueueRequest struct {
	Account string `json:"account"`
	Shares  int64  `json:"shares"`
}

func (s *HTTPServer) handleInjectWithdrawQueue(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req withdrawQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.deps.AdminIngest.InjectWithdrawQueue(r.Context(), req.Account, req.Shares); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type withdrawCompleteRequest struct {
	Account string `json:"account"`
}

func (s *HTTPServer) handleInjectWithdrawComplete(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req withdrawCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.deps.AdminIngest.InjectWithdrawComplete(r.Context(), req.Account); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type roundCloseRequest struct {
	Round        uint64 `json:"round"`
	TotalBalance *int64 `json:"total_balance,omitempty"`
}

func (s *HTTPServer) handleInjectRoundClose(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req roundCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	totalBalance := int64(-1)
	if req.TotalBalance != nil {
		if *req.TotalBalance < 0 {
			writeError(w, http.StatusBadRequest, "negative total_balance")
			return
		}
		totalBalance = *req.TotalBalance
	}

	if err := s.deps.AdminIngest.InjectRoundClose(r.Context(), req.Round, totalBalance); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type valuationRequest struct {
	TotalValue int64 `json:"total_value"`
}

func (s *HTTPServer) handleInjectValuation(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req valuationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.deps.AdminIngest.InjectValuation(r.Context(), req.TotalValue); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *HTTPServer) handlePayFees(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.deps.Vault.PayAccruedFees(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accrued_fees": s.deps.Vault.AccruedFees(),
	})
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildWithdrawals(r.Context(), s.deps.DB, s.log); err != nil {
		s.log.Error().Err(err).Msg("projection rebuild failed")
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("integrity check failed")
		writeError(w, http.StatusInternalServerError, "integrity check failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
