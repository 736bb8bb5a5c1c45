// Package api exposes the dashboard operations as a local JSON HTTP API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ayumi-zama/ayumi/internal/classify"
	"github.com/ayumi-zama/ayumi/internal/dashboard"
	"github.com/ayumi-zama/ayumi/internal/pipeline"
	"github.com/ayumi-zama/ayumi/internal/session"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidConfig = errors.New("api: invalid config")

const maxBodyBytes = 4 << 10

// Service is the dashboard surface served over HTTP.
type Service interface {
	Status(ctx context.Context) (dashboard.Status, error)
	Claim(ctx context.Context, amount uint64) (pipeline.ClaimResult, error)
	Next(ctx context.Context) error
	Back(ctx context.Context) error
	Deposit(ctx context.Context, amount uint64) (pipeline.DepositResult, error)
	Reveal(ctx context.Context) (pipeline.RevealResult, error)
	TokenBalance(ctx context.Context) (dashboard.Balances, error)
	ClaimStatus(ctx context.Context) (dashboard.ClaimStatus, error)
	Logout(ctx context.Context) error
}

var _ Service = (*dashboard.Controller)(nil)

type Config struct {
	// APIToken, when set, is required as "Authorization: Bearer <token>" on every /v1 route.
	APIToken string

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config, svc Service, log *slog.Logger) (http.Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 1_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	h := &handler{
		cfg: cfg,
		svc: svc,
		log: log,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/session", h.handleSession)
	mux.HandleFunc("DELETE /v1/session", h.handleLogout)
	mux.HandleFunc("POST /v1/claim", h.handleClaim)
	mux.HandleFunc("GET /v1/claim-status", h.handleClaimStatus)
	mux.HandleFunc("POST /v1/next", h.handleNext)
	mux.HandleFunc("POST /v1/back", h.handleBack)
	mux.HandleFunc("POST /v1/deposit", h.handleDeposit)
	mux.HandleFunc("POST /v1/reveal", h.handleReveal)
	mux.HandleFunc("GET /v1/token-balance", h.handleTokenBalance)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		if !h.authorized(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"version": "v1",
				"error":   "unauthorized",
			})
			return
		}
		if !h.limiter.Allow(clientIP(r), h.cfg.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	svc     Service
	log     *slog.Logger
	limiter *ipRateLimiter
}

func (h *handler) authorized(r *http.Request) bool {
	if h.cfg.APIToken == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(h.cfg.APIToken)) == 1
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		h.writeError(w, "session", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(st))
}

func (h *handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context()); err != nil {
		h.writeError(w, "logout", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"loggedOut": true,
	})
}

type amountRequestBody struct {
	Amount string `json:"amount"`
}

func (h *handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	amount, ok := decodeAmount(w, r, math.MaxUint64)
	if !ok {
		return
	}
	res, err := h.svc.Claim(r.Context(), amount)
	if err != nil {
		h.writeError(w, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":                "v1",
		"step":                   session.StepDeposit.String(),
		"amount":                 strconv.FormatUint(res.Amount, 10),
		"txHash":                 res.Tx.Hash.Hex(),
		"blockNumber":            res.Tx.BlockNumber,
		"suggestedDepositAmount": strconv.FormatUint(res.SuggestedDepositAmount, 10),
	})
}

func (h *handler) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	cs, err := h.svc.ClaimStatus(r.Context())
	if err != nil {
		h.writeError(w, "claim_status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":           "v1",
		"canClaim":          cs.CanClaim,
		"retryAfterSeconds": int64(cs.RetryAfter / time.Second),
	})
}

func (h *handler) handleNext(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "next", h.svc.Next)
}

func (h *handler) handleBack(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "back", h.svc.Back)
}

func (h *handler) handleTransition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		h.writeError(w, op, err)
		return
	}
	h.handleSession(w, r)
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	amount, ok := decodeAmount(w, r, math.MaxUint32)
	if !ok {
		return
	}
	res, err := h.svc.Deposit(r.Context(), amount)
	if err != nil {
		h.writeError(w, "deposit", err)
		return
	}
	resp := map[string]any{
		"version":       "v1",
		"step":          session.StepDashboard.String(),
		"amount":        strconv.FormatUint(res.Amount, 10),
		"depositTxHash": res.DepositTx.Hash.Hex(),
		"blockNumber":   res.DepositTx.BlockNumber,
		"handle":        res.Handle.Hex(),
	}
	if res.ApproveTx != nil {
		resp["approveTxHash"] = res.ApproveTx.Hash.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleReveal(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reveal(r.Context())
	if err != nil {
		h.writeError(w, "reveal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"balance":    res.Balance.Value,
		"revealedAt": res.Balance.RevealedAt.UTC().Format(time.RFC3339),
		"handle":     res.Handle.Hex(),
		"cached":     res.Cached,
	})
}

func (h *handler) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.svc.TokenBalance(r.Context())
	if err != nil {
		h.writeError(w, "token_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"balance":   bal.Token.String(),
		"allowance": bal.Allowance.String(),
	})
}

func sessionView(st dashboard.Status) map[string]any {
	rec := st.Record
	out := map[string]any{
		"version":    "v1",
		"sessionId":  rec.ID,
		"wallet":     rec.Wallet.Hex(),
		"chainId":    rec.ChainID,
		"step":       rec.Step.String(),
		"processing": st.Processing,
		"revealed":   nil,
		"createdAt":  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.BalanceHandle != (common.Hash{}) {
		out["balanceHandle"] = rec.BalanceHandle.Hex()
	}
	if rec.Revealed != nil {
		out["revealed"] = map[string]any{
			"balance":    rec.Revealed.Value,
			"revealedAt": rec.Revealed.RevealedAt.UTC().Format(time.RFC3339),
		}
	}
	if rec.Deposit.Approved {
		out["deposit"] = map[string]any{
			"approvedAmount": strconv.FormatUint(rec.Deposit.Amount, 10),
			"approveTxHash":  rec.Deposit.ApproveTx.Hex(),
		}
	}
	return out
}

// writeError maps err to a status code and an {"error": kind, "message": text} body.
func (h *handler) writeError(w http.ResponseWriter, op string, err error) {
	code, kind := errorStatus(err)
	if ce, ok := asClassified(err); ok && ce.Kind == classify.CooldownActive && ce.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(ce.RetryAfter.Seconds())), 10))
	}
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", "op", op, "kind", kind, "err", err)
	} else {
		h.log.Info("request rejected", "op", op, "kind", kind, "err", err)
	}
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   kind,
		"message": classify.Message(err),
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict, "invalid_step"
	case errors.Is(err, pipeline.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, context.Canceled):
		return 499, "cancelled"
	}

	kind := classify.KindOf(err)
	switch kind {
	case classify.UserRejected:
		return http.StatusForbidden, kind.String()
	case classify.CooldownActive:
		return http.StatusTooManyRequests, kind.String()
	case classify.InsufficientGas, classify.ContractRejected:
		return http.StatusUnprocessableEntity, kind.String()
	case classify.EncryptionNotReady:
		return http.StatusServiceUnavailable, kind.String()
	case classify.DecryptionFailure:
		return http.StatusBadGateway, kind.String()
	default:
		return http.StatusInternalServerError, kind.String()
	}
}

func asClassified(err error) (*classify.Error, bool) {
	var ce *classify.Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func decodeAmount(w http.ResponseWriter, r *http.Request, limit uint64) (uint64, bool) {
	body, ok := decodeJSONBody[amountRequestBody](w, r)
	if !ok {
		return 0, false
	}
	amount, err := parseUint64BodyValue(body.Amount)
	if err != nil || amount == 0 || amount > limit {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_amount",
			"message": fmt.Sprintf("amount must be a whole number between 1 and %d", limit),
		})
		return 0, false
	}
	return amount, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

func parseUint64BodyValue(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseUint(raw, 10, 64)
}

func clientIP(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// ipRateLimiter is a per-client token bucket. Repeated clicks on a wallet-signing route are
// rejected here before they reach the processing flag.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOldest()
		}
		l.states[ip] = limiterState{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	if elapsed := now.Sub(st.lastAt).Seconds(); elapsed > 0 {
		st.tokens = math.Min(l.burst, st.tokens+elapsed*l.refillPerSecond)
	}
	st.lastAt = now
	st.lastSeen = now
	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens--
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOldest() {
	var oldestIP string
	var oldestAt time.Time
	for ip, st := range l.states {
		if oldestIP == "" || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
		}
	}
	delete(l.states, oldestIP)
}
