package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/ratelimit"
)

// escrowAPI is the slice of escrow.Service the handlers call.
type escrowAPI interface {
	DeployConditional(ctx context.Context, payee, amount string) (contract.Record, error)
	DeployTimed(ctx context.Context, payee, amount, dueDate string) (contract.Record, error)
	ConfirmDelivery(ctx context.Context, address string) (escrow.Outcome, error)
	ReleasePayment(ctx context.Context, address string) (escrow.Outcome, error)
	TriggerPayment(ctx context.Context, address string) (escrow.Outcome, error)
	ConditionalStatus(ctx context.Context, address string) (bool, error)
	TimedStatus(ctx context.Context, address string) (bool, error)
	Record(ctx context.Context, address string) (contract.Record, error)
	List(ctx context.Context, filters contract.ListFilters) ([]contract.Record, error)
	Reconcile(ctx context.Context, address string) (escrow.ReconcileResult, error)
}

// Server exposes the escrow operations over HTTP.
type Server struct {
	escrow  escrowAPI
	log     *slog.Logger
	auth    *auth.Service
	limiter *ratelimit.Limiter
	metrics http.Handler
	health  func(context.Context) error
	schemas *requestSchemas
	now     func() time.Time
}

type serverDeps struct {
	Escrow  escrowAPI
	Log     *slog.Logger
	Auth    *auth.Service
	Limiter *ratelimit.Limiter
	Metrics http.Handler
	Health  func(context.Context) error
}

func newServer(deps serverDeps) (*Server, error) {
	if deps.Escrow == nil {
		return nil, fmt.Errorf("api: nil escrow service")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		escrow:  deps.Escrow,
		log:     log,
		auth:    deps.Auth,
		limiter: deps.Limiter,
		metrics: deps.Metrics,
		health:  deps.Health,
		schemas: schemas,
		now:     time.Now,
	}, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestLog)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/contracts", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			read.Use(auth.Require(s.auth, auth.RoleReader))
			read.Get("/", s.handleListContracts)
			read.Get("/conditionalContractStatus/{address}", s.handleConditionalStatus)
			read.Get("/timedContractStatus/{address}", s.handleTimedStatus)
			read.Get("/{address}", s.handleGetContract)
		})
		api.Group(func(write chi.Router) {
			write.Use(auth.Require(s.auth, auth.RoleOperator))
			write.Use(s.withRateLimit)
			write.Post("/deploy/conditionalContract", s.handleDeployConditional)
			write.Post("/deploy/timedContract", s.handleDeployTimed)
			write.Post("/conditionalContractConfirm/{address}", s.handleConfirm)
			write.Post("/conditionalContractRelease/{address}", s.handleRelease)
			write.Post("/timedContractTrigger/{address}", s.handleTrigger)
			write.Post("/{address}/reconcile", s.handleReconcile)
		})
	})
	return r
}

type errorResponse struct {
	Error           string `json:"error"`
	TxHash          string `json:"txHash,omitempty"`
	ContractAddress string `json:"contractAddress,omitempty"`
}

type deployResponse struct {
	ContractAddress string `json:"contractAddress"`
}

type statusResponse struct {
	Address string `json:"address"`
	Paid    bool   `json:"paid"`
}

type transitionResponse struct {
	Message  string `json:"message"`
	TxHash   string `json:"txHash"`
	Mirrored bool   `json:"mirrored"`
}

type recordResponse struct {
	Address     string  `json:"address"`
	Variant     string  `json:"variant"`
	Payer       string  `json:"payer"`
	Payee       string  `json:"payee"`
	Amount      string  `json:"amount"`
	AmountWei   string  `json:"amountWei"`
	DueDate     *string `json:"dueDate,omitempty"`
	Confirmed   bool    `json:"confirmed"`
	Paid        bool    `json:"paid"`
	DeployTx    string  `json:"deployTx"`
	ConfirmedAt *string `json:"confirmedAt,omitempty"`
	PaidAt      *string `json:"paidAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

type reconcileResponse struct {
	Address    string   `json:"address"`
	Variant    string   `json:"variant"`
	LedgerPaid bool     `json:"ledgerPaid"`
	Repaired   []string `json:"repaired"`
	Divergent  bool     `json:"divergent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeployConditional(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r.Body, s.schemas.conditional)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	rec, err := s.escrow.DeployConditional(r.Context(), field(body, "payee"), field(body, "amount"))
	if err != nil {
		s.writeError(w, r, "deploy", err)
		return
	}
	writeJSON(w, http.StatusOK, deployResponse{ContractAddress: rec.Address.Hex()})
}

func (s *Server) handleDeployTimed(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r.Body, s.schemas.timed)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	rec, err := s.escrow.DeployTimed(r.Context(), field(body, "payee"), field(body, "amount"), field(body, "dueDate"))
	if err != nil {
		s.writeError(w, r, "deploy", err)
		return
	}
	writeJSON(w, http.StatusOK, deployResponse{ContractAddress: rec.Address.Hex()})
}

func (s *Server) handleConditionalStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, s.escrow.ConditionalStatus)
}

func (s *Server) handleTimedStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, s.escrow.TimedStatus)
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, read func(context.Context, string) (bool, error)) {
	address := chi.URLParam(r, "address")
	paid, err := read(r.Context(), address)
	if err != nil {
		s.writeError(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Address: common.HexToAddress(address).Hex(), Paid: paid})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.writeTransition(w, r, "confirm", "Delivery confirmed", s.escrow.ConfirmDelivery)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.writeTransition(w, r, "release", "Payment released", s.escrow.ReleasePayment)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.writeTransition(w, r, "trigger", "Payment triggered successfully", s.escrow.TriggerPayment)
}

func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, action, message string, run func(context.Context, string) (escrow.Outcome, error)) {
	out, err := run(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, action, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Message: message, TxHash: out.TxHash.Hex(), Mirrored: out.Mirrored})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	rec, err := s.escrow.Record(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := contract.ListFilters{}
	if v := q.Get("variant"); v != "" {
		variant, err := contract.ParseVariant(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		filters.Variant = variant
	}
	if v := q.Get("unpaid"); v != "" {
		unpaid, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unpaid must be a boolean"})
			return
		}
		filters.Unpaid = unpaid
	}
	for key, dst := range map[string]*int{"limit": &filters.Limit, "offset": &filters.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: key + " must be a non-negative integer"})
				return
			}
			*dst = n
		}
	}

	recs, err := s.escrow.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, "list", err)
		return
	}
	out := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": out})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.escrow.Reconcile(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, "reconcile", err)
		return
	}
	repaired := res.Repaired
	if repaired == nil {
		repaired = []string{}
	}
	writeJSON(w, http.StatusOK, reconcileResponse{
		Address:    res.Address.Hex(),
		Variant:    string(res.Variant),
		LedgerPaid: res.LedgerPaid,
		Repaired:   repaired,
		Divergent:  res.Divergent,
	})
}

// statusFor maps the escrow error kinds onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrUnknownContract), errors.Is(err, contract.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrMirrorBehind):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrReverted), errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrUnconfirmed):
		return http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrNoBytecode):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, action string, err error) {
	resp := errorResponse{Error: err.Error()}
	if hash, ok := ledger.TxHashOf(err); ok {
		resp.TxHash = hash.Hex()
	}
	var merr *escrow.MirrorError
	if errors.As(err, &merr) {
		resp.TxHash = merr.TxHash.Hex()
		if merr.Action == contract.ActionDeploy {
			resp.ContractAddress = merr.Address.Hex()
		}
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("action", action),
			slog.String("address", chi.URLParam(r, "address")),
			slog.String("tx", resp.TxHash),
			slog.Int("status", status),
			slog.Any("err", err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toRecordResponse(rec contract.Record) recordResponse {
	formatTime := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.UTC().Format(time.RFC3339)
		return &s
	}
	return recordResponse{
		Address:     rec.Address.Hex(),
		Variant:     string(rec.Variant),
		Payer:       rec.Payer.Hex(),
		Payee:       rec.Payee.Hex(),
		Amount:      ledger.FormatEther(rec.AmountWei),
		AmountWei:   rec.AmountWei.String(),
		DueDate:     formatTime(rec.DueDate),
		Confirmed:   rec.Confirmed,
		Paid:        rec.Paid,
		DeployTx:    rec.DeployTx.Hex(),
		ConfirmedAt: formatTime(rec.ConfirmedAt),
		PaidAt:      formatTime(rec.PaidAt),
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
