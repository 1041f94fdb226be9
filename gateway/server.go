package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tallychain/core/types"
	"tallychain/crypto"
	"tallychain/gateway/middleware"
	"tallychain/journal"
	"tallychain/ledger"
	"tallychain/settlement"
)

// Config wires the gateway's HTTP policy knobs.
type Config struct {
	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimit
}

// Server publishes the engine's commitment surface and accepts request and
// settlement calls over HTTP. The engine itself stays transport-agnostic; the
// gateway only translates JSON to engine calls.
type Server struct {
	engine *settlement.Engine
	logger *slog.Logger
	cfg    Config
}

func NewServer(engine *settlement.Engine, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger, cfg: cfg}
}

// Router assembles the HTTP surface. Settlement and range maintenance require
// the operator scope; member requests require a token bound to the acted-on
// identity.
func (s *Server) Router() http.Handler {
	auth := middleware.NewAuthenticator(s.cfg.Auth, s.logger)
	limiter := middleware.NewRateLimiter(s.cfg.RateLimit, s.logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(limiter.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/commitment", s.handleCommitment)
		r.Get("/accounts/{address}/witness", s.handleWitness)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware())
			r.Post("/requests/sign-up", s.handleRequestSignUp)
			r.Post("/requests/deposit", s.handleRequestDeposit)
			r.Post("/requests/release", s.handleRequestRelease)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(middleware.ScopeOperator))
			r.Post("/ranges", s.handleOpenRange)
			r.Get("/ranges/current", s.handleCurrentAction)
			r.Post("/settlements/sign-up", s.handleSettleSignUp)
			r.Post("/settlements/deposit", s.handleSettleDeposit)
			r.Post("/settlements/release", s.handleSettleRelease)
		})
	})
	return r
}

// --- wire types ---

type cursorPayload struct {
	Seq    uint64 `json:"seq"`
	Digest string `json:"digest"`
}

type commitmentPayload struct {
	Root         string        `json:"root"`
	Head         cursorPayload `json:"head"`
	RangeStart   cursorPayload `json:"rangeStart"`
	RangeEnd     cursorPayload `json:"rangeEnd"`
	PendingCount uint64        `json:"pendingCount"`
	Turn         uint64        `json:"turn"`
}

type recordPayload struct {
	Address        string `json:"address"`
	Balance        string `json:"balance"`
	PendingDeposit string `json:"pendingDeposit,omitempty"`
	PendingRelease string `json:"pendingRelease,omitempty"`
	Counterparty   string `json:"counterparty,omitempty"`
	Origin         string `json:"origin,omitempty"`
}

type witnessPayload struct {
	Key   string   `json:"key"`
	Nodes []string `json:"nodes"`
}

type signUpRequest struct {
	Address string `json:"address"`
}

type depositRequest struct {
	Record  recordPayload  `json:"record"`
	Witness witnessPayload `json:"witness"`
	Amount  string         `json:"amount"`
}

type releaseRequest struct {
	Record       recordPayload  `json:"record"`
	Witness      witnessPayload `json:"witness"`
	Amount       string         `json:"amount"`
	Counterparty string         `json:"counterparty,omitempty"`
}

type settleRequest struct {
	Record  *recordPayload `json:"record,omitempty"`
	Witness witnessPayload `json:"witness"`
}

type dispatchResponse struct {
	Cursor cursorPayload `json:"cursor"`
}

type settleResponse struct {
	Root string `json:"root"`
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCommitment(w http.ResponseWriter, _ *http.Request) {
	state := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, commitmentPayload{
		Root:         state.Root.Hex(),
		Head:         toCursorPayload(state.Head),
		RangeStart:   toCursorPayload(state.RangeStart),
		RangeEnd:     toCursorPayload(state.RangeEnd),
		PendingCount: state.PendingCount,
		Turn:         state.Turn,
	})
}

func (s *Server) handleWitness(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	witness, err := s.engine.Witness(addr.Identity())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	nodes := make([]string, len(witness.Nodes))
	for i, node := range witness.Nodes {
		nodes[i] = hex.EncodeToString(node)
	}
	writeJSON(w, http.StatusOK, witnessPayload{
		Key:   witness.Key.Hex(),
		Nodes: nodes,
	})
}

func (s *Server) handleRequestSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	identity, err := parseIdentity(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acting, err := s.actingIdentity(r, identity)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	cursor, err := s.engine.RequestSignUp(acting, identity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dispatchResponse{Cursor: toCursorPayload(cursor)})
}

func (s *Server) handleRequestDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, witness, err := parseRecordAndWitness(req.Record, req.Witness)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acting, err := s.actingIdentity(r, record.Identity)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	cursor, err := s.engine.RequestDeposit(acting, record, witness, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dispatchResponse{Cursor: toCursorPayload(cursor)})
}

func (s *Server) handleRequestRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, witness, err := parseRecordAndWitness(req.Record, req.Witness)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var counterparty [20]byte
	if strings.TrimSpace(req.Counterparty) != "" {
		counterparty, err = parseIdentity(req.Counterparty)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	acting, err := s.actingIdentity(r, record.Identity)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	cursor, err := s.engine.RequestRelease(acting, record, witness, amount, counterparty)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dispatchResponse{Cursor: toCursorPayload(cursor)})
}

func (s *Server) handleOpenRange(w http.ResponseWriter, _ *http.Request) {
	state, err := s.engine.OpenRange()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitmentPayload{
		Root:         state.Root.Hex(),
		Head:         toCursorPayload(state.Head),
		RangeStart:   toCursorPayload(state.RangeStart),
		RangeEnd:     toCursorPayload(state.RangeEnd),
		PendingCount: state.PendingCount,
		Turn:         state.Turn,
	})
}

func (s *Server) handleCurrentAction(w http.ResponseWriter, _ *http.Request) {
	res, err := s.engine.CurrentAction()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"record":     toRecordPayload(res.Record),
		"seq":        res.Seq,
		"rangeStart": toCursorPayload(res.RangeStart),
		"rangeEnd":   toCursorPayload(res.RangeEnd),
		"turn":       res.Turn,
	})
}

func (s *Server) handleSettleSignUp(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	witness, err := parseWitness(req.Witness)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	root, err := s.engine.SettleSignUp(witness)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{Root: root.Hex()})
}

func (s *Server) handleSettleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleSettleWithRecord(w, r, s.engine.SettleDeposit)
}

func (s *Server) handleSettleRelease(w http.ResponseWriter, r *http.Request) {
	s.handleSettleWithRecord(w, r, s.engine.SettleRelease)
}

func (s *Server) handleSettleWithRecord(w http.ResponseWriter, r *http.Request, settle func(*types.AccountRecord, *ledger.Witness) (common.Hash, error)) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Record == nil {
		writeError(w, http.StatusBadRequest, errors.New("record is required"))
		return
	}
	record, witness, err := parseRecordAndWitness(*req.Record, req.Witness)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	root, err := settle(record, witness)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{Root: root.Hex()})
}

// actingIdentity derives the caller identity from the authenticated token
// subject. When authentication is disabled (dev deployments, tests) the
// target identity itself acts, which SelfAuthorizer accepts.
func (s *Server) actingIdentity(r *http.Request, fallback [20]byte) ([20]byte, error) {
	subject := middleware.Subject(r.Context())
	if subject == "" {
		if s.cfg.Auth.Enabled {
			return [20]byte{}, errors.New("gateway: token has no subject")
		}
		return fallback, nil
	}
	return parseIdentity(subject)
}

// --- codecs ---

func toCursorPayload(c journal.Cursor) cursorPayload {
	return cursorPayload{Seq: c.Seq, Digest: hex.EncodeToString(c.Digest[:])}
}

func toRecordPayload(record *types.AccountRecord) recordPayload {
	payload := recordPayload{
		Address: crypto.NewAddress(crypto.MemberPrefix, record.Identity[:]).String(),
		Balance: record.Balance.String(),
		Origin:  record.Origin.String(),
	}
	if record.PendingDeposit != nil && record.PendingDeposit.Sign() > 0 {
		payload.PendingDeposit = record.PendingDeposit.String()
	}
	if record.PendingRelease != nil && record.PendingRelease.Sign() > 0 {
		payload.PendingRelease = record.PendingRelease.String()
	}
	if !types.ZeroIdentity(record.Counterparty) {
		payload.Counterparty = crypto.NewAddress(crypto.MemberPrefix, record.Counterparty[:]).String()
	}
	return payload
}

func parseIdentity(address string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(address))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Identity(), nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, errors.New("invalid amount")
	}
	return amount, nil
}

func parseRecord(payload recordPayload) (*types.AccountRecord, error) {
	identity, err := parseIdentity(payload.Address)
	if err != nil {
		return nil, err
	}
	record := &types.AccountRecord{
		Identity: identity,
		Balance:  big.NewInt(0),
	}
	if raw := strings.TrimSpace(payload.Balance); raw != "" {
		balance, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, errors.New("invalid balance")
		}
		record.Balance = balance
	}
	if raw := strings.TrimSpace(payload.PendingDeposit); raw != "" {
		pending, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, errors.New("invalid pending deposit")
		}
		record.PendingDeposit = pending
	}
	if raw := strings.TrimSpace(payload.PendingRelease); raw != "" {
		pending, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, errors.New("invalid pending release")
		}
		record.PendingRelease = pending
	}
	if raw := strings.TrimSpace(payload.Counterparty); raw != "" {
		counterparty, err := parseIdentity(raw)
		if err != nil {
			return nil, err
		}
		record.Counterparty = counterparty
	}
	record.Origin = parseKind(payload.Origin)
	return record, nil
}

func parseKind(raw string) types.Kind {
	switch strings.TrimSpace(raw) {
	case types.KindSignUp.String():
		return types.KindSignUp
	case types.KindDeposit.String():
		return types.KindDeposit
	case types.KindRelease.String():
		return types.KindRelease
	default:
		return types.KindUnknown
	}
}

func parseWitness(payload witnessPayload) (*ledger.Witness, error) {
	key, err := parseHash(payload.Key)
	if err != nil {
		return nil, err
	}
	nodes := make([][]byte, len(payload.Nodes))
	for i, raw := range payload.Nodes {
		node, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
		if err != nil {
			return nil, err
		}
		nodes[i] = node
	}
	return &ledger.Witness{Key: key, Nodes: nodes}, nil
}

func parseRecordAndWitness(rec recordPayload, wit witnessPayload) (*types.AccountRecord, *ledger.Witness, error) {
	record, err := parseRecord(rec)
	if err != nil {
		return nil, nil, err
	}
	witness, err := parseWitness(wit)
	if err != nil {
		return nil, nil, err
	}
	return record, witness, nil
}

func parseHash(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, errors.New("hash must be 32 bytes")
	}
	copy(out[:], decoded)
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, settlement.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, settlement.ErrDuplicateIdentity),
		errors.Is(err, settlement.ErrRangeOpen):
		status = http.StatusConflict
	case errors.Is(err, settlement.ErrKindMismatch),
		errors.Is(err, settlement.ErrIdentityMismatch),
		errors.Is(err, settlement.ErrStaleWitness),
		errors.Is(err, settlement.ErrInsufficientFunds),
		errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, settlement.ErrTransferFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrRangeDrained):
		status = http.StatusNotFound
	}
	writeError(w, status, err)
}
