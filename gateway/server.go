package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowd/crypto"
	"escrowd/escrow"
	"escrowd/gateway/auth"
	"escrowd/gateway/middleware"
	"escrowd/ledger"
)

const headerIdempotencyKey = "Idempotency-Key"

// ServerConfig bundles the collaborators of the HTTP surface.
type ServerConfig struct {
	Engine        *escrow.Engine
	Authenticator *auth.Authenticator
	AdminVerifier *auth.AdminVerifier
	// AdminAddress is the engine-side administrative identity that JWT-verified
	// calls act as.
	AdminAddress [20]byte
	Store        *SQLiteStore
	RateLimit    middleware.RateLimit
	Logger       *slog.Logger
}

// Server exposes the escrow lifecycle over HTTP. Party operations carry HMAC
// API-key signatures; administrative operations carry an admin bearer token.
type Server struct {
	engine    *escrow.Engine
	auth      *auth.Authenticator
	admin     *auth.AdminVerifier
	adminAddr [20]byte
	store     *SQLiteStore
	logger    *slog.Logger
	router    chi.Router
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    cfg.Engine,
		auth:      cfg.Authenticator,
		admin:     cfg.AdminVerifier,
		adminAddr: cfg.AdminAddress,
		store:     cfg.Store,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRateLimiter(cfg.RateLimit).Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1/escrows", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/deposit", s.handleDeposit)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/dispute", s.handleDispute)
		r.Post("/{id}/withdraw", s.handleWithdraw)
	})

	if s.admin != nil {
		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(s.admin.RequireAdmin)
			r.Post("/escrows/{id}/resolve", s.handleResolve)
			r.Post("/fee-rate", s.handleSetFeeRate)
			r.Post("/fee-recipient", s.handleSetFeeRecipient)
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
		})
	}

	s.router = r
	return s
}

// Handler returns the configured route tree.
func (s *Server) Handler() http.Handler { return s.router }

// --- wire formats ---

type assetPayload struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type createRequest struct {
	Counterparty    string         `json:"counterparty"`
	Inputs          []assetPayload `json:"inputs"`
	Outputs         []assetPayload `json:"outputs"`
	DurationSeconds int64          `json:"durationSeconds"`
}

type resolveRequest struct {
	Winner string `json:"winner"`
}

type feeRateRequest struct {
	Bps uint32 `json:"bps"`
}

type feeRecipientRequest struct {
	Address string `json:"address"`
}

type partyStatePayload struct {
	Address     string `json:"address"`
	Deposited   bool   `json:"deposited"`
	DepositedAt int64  `json:"depositedAt,omitempty"`
	Approved    bool   `json:"approved"`
	ApprovedAt  int64  `json:"approvedAt,omitempty"`
	Withdrawn   bool   `json:"withdrawn"`
	WithdrawnAt int64  `json:"withdrawnAt,omitempty"`
}

type resolutionPayload struct {
	Winner     string `json:"winner"`
	FeeApplied bool   `json:"feeApplied"`
	ResolvedAt int64  `json:"resolvedAt"`
}

type escrowPayload struct {
	ID              uint64             `json:"id"`
	Status          string             `json:"status"`
	PartyA          partyStatePayload  `json:"partyA"`
	PartyB          partyStatePayload  `json:"partyB"`
	Inputs          []assetPayload     `json:"inputs"`
	Outputs         []assetPayload     `json:"outputs"`
	Deadline        int64              `json:"deadline"`
	DisputeDeadline int64              `json:"disputeDeadline,omitempty"`
	CreatedAt       int64              `json:"createdAt"`
	Resolution      *resolutionPayload `json:"resolution,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func assetPayloads(list []escrow.AssetAmount) []assetPayload {
	out := make([]assetPayload, len(list))
	for i, a := range list {
		out[i] = assetPayload{Token: a.Token, Amount: a.Amount.String()}
	}
	return out
}

func partyPayload(addr [20]byte, side escrow.PartyState) partyStatePayload {
	return partyStatePayload{
		Address:     crypto.EncodeAddress(addr),
		Deposited:   side.Deposited,
		DepositedAt: side.DepositedAt,
		Approved:    side.Approved,
		ApprovedAt:  side.ApprovedAt,
		Withdrawn:   side.Withdrawn,
		WithdrawnAt: side.WithdrawnAt,
	}
}

func escrowToPayload(esc *escrow.Escrow) escrowPayload {
	payload := escrowPayload{
		ID:              esc.ID,
		Status:          esc.Status.String(),
		PartyA:          partyPayload(esc.PartyA, esc.A),
		PartyB:          partyPayload(esc.PartyB, esc.B),
		Inputs:          assetPayloads(esc.Inputs),
		Outputs:         assetPayloads(esc.Outputs),
		Deadline:        esc.Deadline,
		DisputeDeadline: esc.DisputeDeadline,
		CreatedAt:       esc.CreatedAt,
	}
	if esc.Resolution != nil {
		payload.Resolution = &resolutionPayload{
			Winner:     crypto.EncodeAddress(esc.Resolution.Winner),
			FeeApplied: esc.Resolution.FeeApplied,
			ResolvedAt: esc.Resolution.ResolvedAt,
		}
	}
	return payload
}

// --- request plumbing ---

// authenticate reads the body, verifies the HMAC headers and returns the
// caller principal. On failure it writes the 401 itself and returns ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Principal, []byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
	if err != nil {
		s.writeError(w, r, "", http.StatusBadRequest, errors.New("read request body"))
		return nil, nil, false
	}
	principal, err := s.auth.Authenticate(r, body)
	if err != nil {
		s.writeError(w, r, "", http.StatusUnauthorized, err)
		return nil, nil, false
	}
	return principal, body, true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, apiKey string, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode response", "path", r.URL.Path, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.audit(r, apiKey, status, body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, apiKey string, status int, err error) {
	s.writeJSON(w, r, apiKey, status, errorPayload{Error: err.Error()})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, apiKey string, err error) {
	s.writeError(w, r, apiKey, statusForError(err), err)
}

func (s *Server) audit(r *http.Request, apiKey string, status int, responseBody []byte) {
	if s.store == nil {
		return
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           r.URL.Path,
		ResponseStatus: status,
		ResponseBody:   responseBody,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
		s.logger.Warn("insert audit log", "err", err)
	}
}

// statusForError maps engine failures onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, escrow.ErrInvalidParty),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidDuration),
		errors.Is(err, escrow.ErrTooManyAssets):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrWrongState),
		errors.Is(err, escrow.ErrExpired),
		errors.Is(err, escrow.ErrNotExpiredYet),
		errors.Is(err, escrow.ErrAlreadyDeposited),
		errors.Is(err, escrow.ErrAlreadyApproved),
		errors.Is(err, escrow.ErrNothingToWithdraw):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func escrowID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid escrow id %q", raw)
	}
	return id, nil
}

func parseAssets(list []assetPayload) ([]escrow.AssetAmount, error) {
	out := make([]escrow.AssetAmount, len(list))
	for i, a := range list {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(a.Amount), 10)
		if !ok {
			return nil, fmt.Errorf("%w: amount %q is not a base-10 integer", escrow.ErrInvalidAmount, a.Amount)
		}
		out[i] = escrow.AssetAmount{Token: a.Token, Amount: amount}
	}
	return out, nil
}

// --- party handlers ---

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	principal, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := ""
	if idemKey != "" && s.store != nil {
		sum := sha256.Sum256(body)
		requestHash = hex.EncodeToString(sum[:])
		cached, err := s.store.LookupIdempotency(r.Context(), principal.APIKey, idemKey, requestHash)
		if errors.Is(err, ErrIdempotencyMismatch) {
			s.writeError(w, r, principal.APIKey, http.StatusConflict, err)
			return
		}
		if err != nil {
			s.writeError(w, r, principal.APIKey, http.StatusInternalServerError, err)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, principal.APIKey, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	counterparty, err := crypto.DecodeAddress(req.Counterparty)
	if err != nil {
		s.writeError(w, r, principal.APIKey, http.StatusBadRequest, fmt.Errorf("counterparty: %w", err))
		return
	}
	inputs, err := parseAssets(req.Inputs)
	if err != nil {
		s.writeError(w, r, principal.APIKey, http.StatusBadRequest, err)
		return
	}
	outputs, err := parseAssets(req.Outputs)
	if err != nil {
		s.writeError(w, r, principal.APIKey, http.StatusBadRequest, err)
		return
	}

	esc, err := s.engine.Create(principal.Address, counterparty.Bytes(), inputs, outputs, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		s.writeEngineError(w, r, principal.APIKey, err)
		return
	}
	responseBody, err := json.Marshal(escrowToPayload(esc))
	if err != nil {
		s.writeError(w, r, principal.APIKey, http.StatusInternalServerError, err)
		return
	}
	if idemKey != "" && s.store != nil {
		if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, idemKey, requestHash, http.StatusCreated, responseBody); err != nil {
			s.logger.Warn("save idempotency record", "err", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(responseBody)
	s.audit(r, principal.APIKey, http.StatusCreated, responseBody)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	principal, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ids, err := s.engine.ListByParticipant(principal.Address)
	if err != nil {
		s.writeEngineError(w, r, principal.APIKey, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	s.writeJSON(w, r, principal.APIKey, http.StatusOK, map[string][]uint64{"escrowIds": ids})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	principal, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, err := escrowID(r)
	if err != nil {
		s.writeError(w, r, principal.APIKey, http.StatusBadRequest, err)
		return
	}
	esc, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, r, principal.APIKey, err)
		return
	}
	s.writeJSON(w, r, principal.APIKey, http.StatusOK, escrowToPayload(esc))
}

// partyCommand factors the shared shape of deposit/approve/cancel/withdraw.
func (s *Server) partyCommand(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, id uint64, caller [20]byte) (*escrow.Escrow, error)) {
	principal, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, err := escrowID(r)
	if err != nil {
		s.writeError(w, r, principal.APIKey, http.StatusBadRequest, err)
		return
	}
	esc, err := run(r.Context(), id, principal.Address)
	if err != nil {
		s.writeEngineError(w, r, principal.APIKey, err)
		return
	}
	s.writeJSON(w, r, principal.APIKey, http.StatusOK, escrowToPayload(esc))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.partyCommand(w, r, s.engine.Deposit)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.partyCommand(w, r, s.engine.Approve)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.partyCommand(w, r, s.engine.Cancel)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.partyCommand(w, r, s.engine.Withdraw)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.partyCommand(w, r, func(_ context.Context, id uint64, caller [20]byte) (*escrow.Escrow, error) {
		return s.engine.RaiseDispute(id, caller)
	})
}

// --- admin handlers ---

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		s.writeError(w, r, "", http.StatusBadRequest, err)
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, "", http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	winner, err := crypto.DecodeAddress(req.Winner)
	if err != nil {
		s.writeError(w, r, "", http.StatusBadRequest, fmt.Errorf("winner: %w", err))
		return
	}
	esc, err := s.engine.ResolveDispute(r.Context(), id, s.adminAddr, winner.Bytes())
	if err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	s.writeJSON(w, r, "", http.StatusOK, escrowToPayload(esc))
}

func (s *Server) handleSetFeeRate(w http.ResponseWriter, r *http.Request) {
	var req feeRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, "", http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Bps > escrow.MaxFeeBps {
		s.writeError(w, r, "", http.StatusBadRequest, fmt.Errorf("fee rate %d exceeds maximum %d bps", req.Bps, escrow.MaxFeeBps))
		return
	}
	if err := s.engine.Params().SetFeeRate(s.adminAddr, req.Bps); err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	s.writeJSON(w, r, "", http.StatusOK, map[string]uint32{"bps": req.Bps})
}

func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var req feeRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, "", http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	recipient, err := crypto.DecodeAddress(req.Address)
	if err != nil {
		s.writeError(w, r, "", http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	if err := s.engine.Params().SetFeeRecipient(s.adminAddr, recipient.Bytes()); err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	s.writeJSON(w, r, "", http.StatusOK, map[string]string{"feeRecipient": req.Address})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Params().Pause(s.adminAddr); err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	s.writeJSON(w, r, "", http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Params().Unpause(s.adminAddr); err != nil {
		s.writeEngineError(w, r, "", err)
		return
	}
	s.writeJSON(w, r, "", http.StatusOK, map[string]bool{"paused": false})
}
