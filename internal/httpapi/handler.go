// Package httpapi exposes the raffle over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/raffle/internal/events"
	"github.com/R3E-Network/raffle/internal/keeper"
	"github.com/R3E-Network/raffle/internal/metrics"
	"github.com/R3E-Network/raffle/internal/middleware"
	"github.com/R3E-Network/raffle/internal/oracle"
	"github.com/R3E-Network/raffle/internal/raffle"
	"github.com/R3E-Network/raffle/internal/service"
	"github.com/R3E-Network/raffle/pkg/logger"
)

const maxBodyBytes = 1 << 16

// ProofSource looks up oracle proofs by request id.
type ProofSource interface {
	Proof(id raffle.RequestID) (oracle.Proof, bool)
}

// KeeperStatus reports the latest automation tick.
type KeeperStatus interface {
	Last() (keeper.Result, bool)
}

// Options wires the handler.
type Options struct {
	Service     *service.Service
	Auth        *middleware.Auth
	RateLimiter *middleware.RateLimiter
	CORS        *middleware.CORS
	Proofs      ProofSource
	Keeper      KeeperStatus
	Logger      *logger.Logger
}

type handler struct {
	svc    *service.Service
	proofs ProofSource
	keeper KeeperStatus
	log    *logger.Logger
}

// NewHandler returns the router exposing the raffle API.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("httpapi")
	}
	h := &handler{svc: opts.Service, proofs: opts.Proofs, keeper: opts.Keeper, log: opts.Logger}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/raffle", h.status).Methods(http.MethodGet)
	r.HandleFunc("/raffle/players", h.players).Methods(http.MethodGet)
	r.HandleFunc("/raffle/players/{index}", h.playerAt).Methods(http.MethodGet)
	r.HandleFunc("/raffle/upkeep", h.checkUpkeep).Methods(http.MethodGet)
	r.HandleFunc("/raffle/rounds", h.rounds).Methods(http.MethodGet)
	r.HandleFunc("/raffle/events", h.recentEvents).Methods(http.MethodGet)
	r.HandleFunc("/raffle/events/stream", h.stream).Methods(http.MethodGet)
	r.HandleFunc("/oracle/requests/{id}", h.proof).Methods(http.MethodGet)

	var enter http.Handler = http.HandlerFunc(h.enter)
	if opts.RateLimiter != nil {
		enter = opts.RateLimiter.Handler(enter)
	}
	r.Handle("/raffle/entries", enter).Methods(http.MethodPost)

	operator := func(next http.HandlerFunc) http.Handler { return next }
	oracleOnly := operator
	if opts.Auth != nil {
		operator = func(next http.HandlerFunc) http.Handler { return opts.Auth.Require(middleware.RoleOperator)(next) }
		oracleOnly = func(next http.HandlerFunc) http.Handler {
			return opts.Auth.Require(middleware.RoleOracle, middleware.RoleOperator)(next)
		}
	}
	r.Handle("/raffle/upkeep", operator(h.performUpkeep)).Methods(http.MethodPost)
	r.Handle("/raffle/payout/retry", operator(h.retryPayout)).Methods(http.MethodPost)
	r.Handle("/raffle/fulfillments", oracleOnly(h.fulfill)).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})

	var out http.Handler = r
	if opts.CORS != nil {
		out = opts.CORS.Handler(out)
	}
	out = middleware.NewAccessLog(opts.Logger).Handler(out)
	return metrics.InstrumentHandler(out)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.keeper != nil {
		if last, ok := h.keeper.Last(); ok {
			resp["keeper"] = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *handler) players(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Players())
}

func (h *handler) playerAt(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("index must be an integer"))
		return
	}
	p, err := h.svc.PlayerAt(index)
	if err != nil {
		h.writeRaffleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "participant": p})
}

func (h *handler) enter(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Participant string `json:"participant"`
		Amount      int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.svc.Enter(r.Context(), raffle.Participant(payload.Participant), payload.Amount); err != nil {
		h.writeRaffleError(w, r, err)
		return
	}
	status := h.svc.Status()
	writeJSON(w, http.StatusCreated, map[string]any{
		"participant":  payload.Participant,
		"amount":       payload.Amount,
		"round":        status.Round,
		"player_count": status.PlayerCount,
		"balance":      status.Balance,
	})
}

func (h *handler) checkUpkeep(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"diagnostics": h.svc.CheckUpkeep()}
	if h.keeper != nil {
		if last, ok := h.keeper.Last(); ok {
			resp["keeper"] = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) performUpkeep(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.PerformUpkeep(r.Context())
	if err != nil {
		h.writeRaffleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pending)
}

// fulfill accepts {"request_id": "...", "random_words": ["..."]}. Words may
// be JSON strings or numbers of any size.
func (h *handler) fulfill(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	id := gjson.GetBytes(body, "request_id")
	word := gjson.GetBytes(body, "random_words.0")
	if !word.Exists() {
		word = gjson.GetBytes(body, "random_value")
	}
	if id.String() == "" || !word.Exists() {
		writeError(w, http.StatusBadRequest, errors.New("request_id and random_words are required"))
		return
	}
	value, ok := parseWord(word)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("random word must be a non-negative integer"))
		return
	}

	winner, err := h.svc.FulfillRandomness(r.Context(), raffle.RequestID(id.String()), value)
	if err != nil {
		h.writeRaffleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id.String(), "winner": winner})
}

func parseWord(word gjson.Result) (*big.Int, bool) {
	raw := word.Raw
	if word.Type == gjson.String {
		raw = word.Str
	}
	if word.Type != gjson.String && word.Type != gjson.Number {
		return nil, false
	}
	raw = strings.TrimSpace(raw)
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	v, ok := new(big.Int).SetString(raw, base)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func (h *handler) retryPayout(w http.ResponseWriter, r *http.Request) {
	winner, err := h.svc.RetryPayout(r.Context())
	if err != nil {
		h.writeRaffleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"winner": winner})
}

func (h *handler) rounds(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rounds, err := h.svc.Rounds(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.RecentEvents(limit, eventTypes(r)...))
}

func (h *handler) proof(w http.ResponseWriter, r *http.Request) {
	if h.proofs == nil {
		writeError(w, http.StatusNotFound, errors.New("oracle proofs are not available"))
		return
	}
	p, ok := h.proofs.Proof(raffle.RequestID(mux.Vars(r)["id"]))
	if !ok {
		writeError(w, http.StatusNotFound, oracle.ErrUnknownRequest)
		return
	}
	resp := map[string]any{"proof": p, "verified": false}
	if p.Status != oracle.StatusPending {
		if err := oracle.Verify(p); err != nil {
			resp["verify_error"] = err.Error()
		} else {
			resp["verified"] = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// eventTypes reads ?type=a,b.
func eventTypes(r *http.Request) []events.EventType {
	var types []events.EventType
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, events.EventType(t))
		}
	}
	return types
}

func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return n, nil
}

// writeRaffleError maps raffle errors onto HTTP statuses.
func (h *handler) writeRaffleError(w http.ResponseWriter, r *http.Request, err error) {
	var notNeeded *raffle.UpkeepNotNeededError
	switch {
	case errors.As(err, &notNeeded):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       err.Error(),
			"diagnostics": notNeeded.Diagnostics,
		})
		return
	case errors.Is(err, raffle.ErrInsufficientFee),
		errors.Is(err, raffle.ErrIndexOutOfRange),
		errors.Is(err, raffle.ErrInvalidParticipant),
		errors.Is(err, raffle.ErrBalanceOverflow),
		errors.Is(err, raffle.ErrInvalidRandomness):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, raffle.ErrNotOpen),
		errors.Is(err, raffle.ErrRequestAlreadyPending),
		errors.Is(err, raffle.ErrPayoutInProgress),
		errors.Is(err, raffle.ErrNoUnpaidPrize):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, raffle.ErrUnknownOrStaleRequest):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, raffle.ErrPayoutFailed):
		writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, oracle.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.log.WithContext(r.Context()).WithError(err).Error("request failed")
		writeError(w, http.StatusServiceUnavailable, err)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
