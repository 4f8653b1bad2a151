package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"escrowd/chain"
	"escrowd/native/escrow"
	"escrowd/observability"
)

// Server exposes the escrow lifecycle over HTTP. Mutating routes require a
// bearer token; read routes are public.
type Server struct {
	engine  *escrow.Engine
	chain   chain.Client
	auth    *Authenticator
	idem    IdempotencyStore
	logger  *slog.Logger
	metrics *observability.CommandMetrics
	nowFn   func() int64
}

// ServerOption adjusts optional server collaborators.
type ServerOption func(*Server)

// WithIdempotencyStore enables idempotency-key replay on mutating routes.
func WithIdempotencyStore(store IdempotencyStore) ServerOption {
	return func(s *Server) { s.idem = store }
}

// WithChainClient overrides the transaction-building collaborator.
func WithChainClient(client chain.Client) ServerOption {
	return func(s *Server) {
		if client != nil {
			s.chain = client
		}
	}
}

// WithNowFunc overrides the clock used for read-path staleness labels.
func WithNowFunc(now func() int64) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewServer wires the escrow engine behind the HTTP surface.
func NewServer(engine *escrow.Engine, auth *Authenticator, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  engine,
		chain:   chain.NewOfflineClient(),
		auth:    auth,
		logger:  logger,
		metrics: observability.Commands(),
		nowFn:   func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/escrows", s.handleListAll)
	r.Get("/escrow/{id}", s.handleGet)
	r.Get("/escrow/{id}/history", s.handleHistory)
	r.Get("/tx/{hash}/status", s.handleTxStatus)

	r.Group(func(pr chi.Router) {
		pr.Use(s.auth.Middleware)
		pr.Use(Idempotency(s.idem, s.logger))
		pr.Post("/escrow/lock", s.handleLock)
		pr.Post("/escrow/{id}/approve", s.handleApprove)
		pr.Post("/escrow/{id}/release", s.handleRelease)
		pr.Post("/escrow/{id}/refund", s.handleRefund)
		pr.Post("/escrow/build-lock-tx", s.handleBuildLockTx)
		pr.Get("/escrows/mine", s.handleListMine)
	})
	return r
}

type contractView struct {
	ContractID        string `json:"contractId"`
	DepositorID       int64  `json:"depositorId"`
	BeneficiaryID     int64  `json:"beneficiaryId"`
	Amount            int64  `json:"amount"`
	RequiredApprovals int    `json:"requiredApprovals"`
	CurrentApprovals  int    `json:"currentApprovals"`
	Deadline          int64  `json:"deadline"`
	Status            string `json:"status"`
	Description       string `json:"description,omitempty"`
	Stuck             bool   `json:"stuck,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

type officialView struct {
	OfficialID        int64  `json:"officialId"`
	HasApproved       bool   `json:"hasApproved"`
	ApprovalTimestamp *int64 `json:"approvalTimestamp"`
}

type historyView struct {
	Sequence    int64  `json:"sequence"`
	Type        string `json:"type"`
	InitiatedBy int64  `json:"initiatedBy"`
	Details     string `json:"details"`
	TxHash      string `json:"txHash,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

func (s *Server) contractToView(c *escrow.Contract) contractView {
	return contractView{
		ContractID:        c.ContractID,
		DepositorID:       c.DepositorID,
		BeneficiaryID:     c.BeneficiaryID,
		Amount:            c.Amount,
		RequiredApprovals: c.RequiredApprovals,
		CurrentApprovals:  c.CurrentApprovals,
		Deadline:          c.DeadlineMs,
		Status:            string(c.DerivedStatus()),
		Description:       c.Description,
		Stuck:             c.Stuck(s.nowFn()),
		CreatedAt:         c.CreatedAt.UnixMilli(),
		UpdatedAt:         c.UpdatedAt.UnixMilli(),
	}
}

func officialToView(o *escrow.Official) officialView {
	view := officialView{OfficialID: o.OfficialID, HasApproved: o.HasApproved}
	if o.ApprovalTimestamp != nil {
		ts := o.ApprovalTimestamp.UnixMilli()
		view.ApprovalTimestamp = &ts
	}
	return view
}

func historyToView(rec *escrow.TransactionRecord) historyView {
	return historyView{
		Sequence:    rec.Sequence,
		Type:        string(rec.Type),
		InitiatedBy: rec.InitiatedBy,
		Details:     rec.Details,
		TxHash:      rec.TxHash,
		Timestamp:   rec.CreatedAt.UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// statusForError maps lifecycle errors onto distinct HTTP statuses so callers
// can tell a role violation from a timing one without parsing messages.
func statusForError(err error) int {
	switch {
	case errors.Is(err, escrow.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrNotOfficial),
		errors.Is(err, escrow.ErrNotBeneficiary),
		errors.Is(err, escrow.ErrNotDepositor):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrAlreadyApproved),
		errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrDeadlinePassed),
		errors.Is(err, escrow.ErrDeadlineNotReached),
		errors.Is(err, escrow.ErrInsufficientApprovals),
		errors.Is(err, escrow.ErrQuorumMet):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, operation string, err error) {
	status := statusForError(err)
	s.metrics.RecordFailure(operation, http.StatusText(status))
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		s.logger.Error("escrow command failed", "operation", operation, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lockRequest struct {
	BeneficiaryID     int64   `json:"beneficiaryId"`
	OfficialIDs       []int64 `json:"officialIds"`
	Amount            int64   `json:"amount"`
	RequiredApprovals int     `json:"requiredApprovals"`
	Deadline          int64   `json:"deadline"`
	Description       string  `json:"description"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	caller, err := PrincipalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	started := time.Now()
	contract, err := s.engine.Lock(r.Context(), caller, req.BeneficiaryID, req.OfficialIDs,
		req.Amount, req.RequiredApprovals, req.Deadline, req.Description)
	if err != nil {
		s.writeEngineError(w, "lock", err)
		return
	}
	s.metrics.RecordCommand("lock", "ok")
	s.metrics.ObserveDuration("lock", time.Since(started))
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"contractId": contract.ContractID,
		"contract":   s.contractToView(contract),
	})
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, operation string,
	fn func(contractID string, caller int64) (*escrow.Contract, error)) {
	caller, err := PrincipalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	contractID := chi.URLParam(r, "id")
	started := time.Now()
	contract, err := fn(contractID, caller)
	if err != nil {
		s.writeEngineError(w, operation, err)
		return
	}
	s.metrics.RecordCommand(operation, "ok")
	s.metrics.ObserveDuration(operation, time.Since(started))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"contract": s.contractToView(contract),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "approve", func(id string, caller int64) (*escrow.Contract, error) {
		return s.engine.Approve(r.Context(), id, caller)
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "release", func(id string, caller int64) (*escrow.Contract, error) {
		return s.engine.Release(r.Context(), id, caller)
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "refund", func(id string, caller int64) (*escrow.Contract, error) {
		return s.engine.Refund(r.Context(), id, caller)
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	details, err := s.engine.GetDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "get", err)
		return
	}
	officials := make([]officialView, 0, len(details.Officials))
	for _, o := range details.Officials {
		officials = append(officials, officialToView(o))
	}
	view := s.contractToView(details.Contract)
	view.Status = string(details.DerivedStatus)
	view.Stuck = details.Stuck
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"contract":  view,
		"officials": officials,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.TransactionHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "history", err)
		return
	}
	entries := make([]historyView, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyToView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": entries})
}

func (s *Server) handleListAll(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.engine.ListAll(r.Context())
	if err != nil {
		s.writeEngineError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"contracts": s.contractsToViews(contracts),
	})
}

func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request) {
	caller, err := PrincipalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	contracts, err := s.engine.ListForUser(r.Context(), caller)
	if err != nil {
		s.writeEngineError(w, "list_mine", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"contracts": s.contractsToViews(contracts),
	})
}

func (s *Server) contractsToViews(contracts []*escrow.Contract) []contractView {
	views := make([]contractView, 0, len(contracts))
	for _, c := range contracts {
		views = append(views, s.contractToView(c))
	}
	return views
}

type buildLockTxRequest struct {
	BeneficiaryID     int64   `json:"beneficiaryId"`
	OfficialIDs       []int64 `json:"officialIds"`
	Amount            int64   `json:"amount"`
	RequiredApprovals int     `json:"requiredApprovals"`
	Deadline          int64   `json:"deadline"`
}

func (s *Server) handleBuildLockTx(w http.ResponseWriter, r *http.Request) {
	caller, err := PrincipalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req buildLockTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	txHash, err := s.chain.BuildLockTx(r.Context(), chain.LockTxParams{
		DepositorID:       caller,
		BeneficiaryID:     req.BeneficiaryID,
		OfficialIDs:       req.OfficialIDs,
		Amount:            req.Amount,
		RequiredApprovals: req.RequiredApprovals,
		DeadlineMs:        req.Deadline,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "txHash": txHash})
}

func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimSpace(chi.URLParam(r, "hash"))
	status, err := s.chain.TxStatus(r.Context(), hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tx": status})
}
