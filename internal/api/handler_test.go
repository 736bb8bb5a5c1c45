package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ayumi-zama/ayumi/internal/chain"
	"github.com/ayumi-zama/ayumi/internal/classify"
	"github.com/ayumi-zama/ayumi/internal/dashboard"
	"github.com/ayumi-zama/ayumi/internal/fhe"
	"github.com/ayumi-zama/ayumi/internal/pipeline"
	"github.com/ayumi-zama/ayumi/internal/session"
	"github.com/ethereum/go-ethereum/common"
)

var testHandle = common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")

type stubService struct {
	status    dashboard.Status
	claimAmt  uint64
	claimErr  error
	depAmt    uint64
	depErr    error
	revealErr error
	nextErr   error
	logouts   int
}

func (s *stubService) Status(context.Context) (dashboard.Status, error) { return s.status, nil }

func (s *stubService) Claim(_ context.Context, amount uint64) (pipeline.ClaimResult, error) {
	s.claimAmt = amount
	if s.claimErr != nil {
		return pipeline.ClaimResult{}, s.claimErr
	}
	return pipeline.ClaimResult{Tx: chain.TxRef{Hash: common.HexToHash("0xc1"), BlockNumber: 5}, Amount: amount, SuggestedDepositAmount: 100}, nil
}

func (s *stubService) Next(context.Context) error { return s.nextErr }
func (s *stubService) Back(context.Context) error { return nil }

func (s *stubService) Deposit(_ context.Context, amount uint64) (pipeline.DepositResult, error) {
	s.depAmt = amount
	if s.depErr != nil {
		return pipeline.DepositResult{}, s.depErr
	}
	return pipeline.DepositResult{Amount: amount, DepositTx: chain.TxRef{Hash: common.HexToHash("0xd1")}, Handle: testHandle}, nil
}

func (s *stubService) Reveal(context.Context) (pipeline.RevealResult, error) {
	if s.revealErr != nil {
		return pipeline.RevealResult{}, s.revealErr
	}
	return pipeline.RevealResult{
		Balance: session.RevealedBalance{Value: "2500", RevealedAt: time.Date(2025, 10, 27, 12, 0, 0, 0, time.UTC)},
		Handle:  testHandle,
	}, nil
}

func (s *stubService) TokenBalance(context.Context) (dashboard.Balances, error) {
	bal, _ := new(big.Int).SetString("1000000000000000000000", 10)
	return dashboard.Balances{Token: bal, Allowance: big.NewInt(0)}, nil
}

func (s *stubService) ClaimStatus(context.Context) (dashboard.ClaimStatus, error) {
	return dashboard.ClaimStatus{RetryAfter: 90 * time.Second}, nil
}

func (s *stubService) Logout(context.Context) error {
	s.logouts++
	return nil
}

func newTestHandler(t *testing.T, svc Service, token string) http.Handler {
	t.Helper()
	h, err := NewHandler(Config{APIToken: token, RateLimitBurst: 1000}, svc, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func do(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHandler_AuthRequiredExceptHealthz(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &stubService{}, "s3cret")
	if rec := do(h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d want %d", rec.Code, http.StatusOK)
	}
	if rec := do(h, http.MethodGet, "/v1/session", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := do(h, http.MethodGet, "/v1/session", "", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := do(h, http.MethodGet, "/v1/session", "", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("good token: got %d want %d", rec.Code, http.StatusOK)
	}
}

func TestHandler_Session(t *testing.T) {
	t.Parallel()

	wallet := common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	svc := &stubService{status: dashboard.Status{
		Record: session.Record{
			ID:            session.ID(wallet, 11155111),
			Wallet:        wallet,
			ChainID:       11155111,
			Step:          session.StepDashboard,
			BalanceHandle: testHandle,
			Revealed:      &session.RevealedBalance{Value: "2500", RevealedAt: time.Unix(1761566400, 0)},
		},
	}}
	rec := do(newTestHandler(t, svc, ""), http.MethodGet, "/v1/session", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusOK)
	}
	out := decode(t, rec)
	if out["step"] != "dashboard" || out["wallet"] != wallet.Hex() || out["balanceHandle"] != testHandle.Hex() {
		t.Fatalf("body: %v", out)
	}
	revealed, ok := out["revealed"].(map[string]any)
	if !ok || revealed["balance"] != "2500" || revealed["revealedAt"] != "2025-10-27T12:00:00Z" {
		t.Fatalf("revealed: %v", out["revealed"])
	}
}

func TestHandler_ClaimAndDeposit(t *testing.T) {
	t.Parallel()

	svc := &stubService{}
	h := newTestHandler(t, svc, "")

	rec := do(h, http.MethodPost, "/v1/claim", `{"amount":"1000"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status: got %d want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	out := decode(t, rec)
	if svc.claimAmt != 1000 || out["suggestedDepositAmount"] != "100" || out["step"] != "deposit" {
		t.Fatalf("claim: amount=%d body=%v", svc.claimAmt, out)
	}

	rec = do(h, http.MethodPost, "/v1/deposit", `{"amount":"100"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status: got %d want %d", rec.Code, http.StatusOK)
	}
	out = decode(t, rec)
	if svc.depAmt != 100 || out["handle"] != testHandle.Hex() {
		t.Fatalf("deposit: amount=%d body=%v", svc.depAmt, out)
	}
	if _, ok := out["approveTxHash"]; ok {
		t.Fatalf("approveTxHash must be omitted when approval was reused")
	}
}

func TestHandler_RejectsBadAmounts(t *testing.T) {
	t.Parallel()

	svc := &stubService{}
	h := newTestHandler(t, svc, "")
	tests := []struct {
		path string
		body string
		want string
	}{
		{"/v1/claim", `{"amount":"0"}`, "invalid_amount"},
		{"/v1/claim", `{"amount":"-5"}`, "invalid_amount"},
		{"/v1/claim", `{"amount":1000}`, "invalid_json"},
		{"/v1/claim", `{"amount":"1","extra":true}`, "invalid_json"},
		{"/v1/deposit", `{"amount":"4294967296"}`, "invalid_amount"},
	}
	for _, tc := range tests {
		rec := do(h, http.MethodPost, tc.path, tc.body, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: got %d want %d", tc.path, tc.body, rec.Code, http.StatusBadRequest)
		}
		if got := decode(t, rec)["error"]; got != tc.want {
			t.Fatalf("%s %s: error got %v want %s", tc.path, tc.body, got, tc.want)
		}
	}
	if svc.claimAmt != 0 || svc.depAmt != 0 {
		t.Fatalf("service must not be called")
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	t.Parallel()

	cooldown := classify.New(classify.CooldownActive, "chain: claim", chain.ErrCooldown)
	cooldown.RetryAfter = 42 * time.Minute

	tests := []struct {
		name     string
		svc      *stubService
		path     string
		body     string
		wantCode int
		wantKind string
		wantMsg  string
	}{
		{
			name:     "cooldown",
			svc:      &stubService{claimErr: cooldown},
			path:     "/v1/claim",
			body:     `{"amount":"1000"}`,
			wantCode: http.StatusTooManyRequests,
			wantKind: "cooldown_active",
			wantMsg:  "wait before claiming again (about 42m0s)",
		},
		{
			name:     "busy",
			svc:      &stubService{depErr: session.ErrBusy},
			path:     "/v1/deposit",
			body:     `{"amount":"1"}`,
			wantCode: http.StatusConflict,
			wantKind: "busy",
		},
		{
			name:     "encryption not ready",
			svc:      &stubService{depErr: classify.New(classify.EncryptionNotReady, "pipeline: deposit", fhe.ErrNotReady)},
			path:     "/v1/deposit",
			body:     `{"amount":"1"}`,
			wantCode: http.StatusServiceUnavailable,
			wantKind: "encryption_not_ready",
		},
		{
			name:     "decryption failure",
			svc:      &stubService{revealErr: classify.Decryption("pipeline: reveal", pipeline.ErrMissingValue)},
			path:     "/v1/reveal",
			wantCode: http.StatusBadGateway,
			wantKind: "decryption_failure",
		},
		{
			name:     "invalid step",
			svc:      &stubService{nextErr: session.ErrInvalidTransition},
			path:     "/v1/next",
			wantCode: http.StatusConflict,
			wantKind: "invalid_step",
		},
		{
			name:     "unknown keeps message",
			svc:      &stubService{revealErr: errors.New("disk on fire")},
			path:     "/v1/reveal",
			wantCode: http.StatusInternalServerError,
			wantKind: "unknown",
			wantMsg:  "disk on fire",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := do(newTestHandler(t, tc.svc, ""), http.MethodPost, tc.path, tc.body, "")
			if rec.Code != tc.wantCode {
				t.Fatalf("status: got %d want %d (%s)", rec.Code, tc.wantCode, rec.Body.String())
			}
			out := decode(t, rec)
			if out["error"] != tc.wantKind {
				t.Fatalf("error: got %v want %s", out["error"], tc.wantKind)
			}
			if tc.wantMsg != "" && out["message"] != tc.wantMsg {
				t.Fatalf("message: got %v want %s", out["message"], tc.wantMsg)
			}
		})
	}
}

func TestHandler_CooldownSetsRetryAfter(t *testing.T) {
	t.Parallel()

	ce := classify.New(classify.CooldownActive, "chain: claim", chain.ErrCooldown)
	ce.RetryAfter = 90 * time.Second
	rec := do(newTestHandler(t, &stubService{claimErr: ce}, ""), http.MethodPost, "/v1/claim", `{"amount":"1"}`, "")
	if got := rec.Header().Get("Retry-After"); got != "90" {
		t.Fatalf("Retry-After: got %q want %q", got, "90")
	}
}

func TestHandler_RevealTokenBalanceAndLogout(t *testing.T) {
	t.Parallel()

	svc := &stubService{}
	h := newTestHandler(t, svc, "")

	out := decode(t, do(h, http.MethodPost, "/v1/reveal", "", ""))
	if out["balance"] != "2500" || out["cached"] != false {
		t.Fatalf("reveal: %v", out)
	}
	out = decode(t, do(h, http.MethodGet, "/v1/token-balance", "", ""))
	if out["balance"] != "1000000000000000000000" || out["allowance"] != "0" {
		t.Fatalf("token balance: %v", out)
	}
	out = decode(t, do(h, http.MethodGet, "/v1/claim-status", "", ""))
	if out["canClaim"] != false || out["retryAfterSeconds"] != float64(90) {
		t.Fatalf("claim status: %v", out)
	}
	if rec := do(h, http.MethodDelete, "/v1/session", "", ""); rec.Code != http.StatusOK || svc.logouts != 1 {
		t.Fatalf("logout: code=%d logouts=%d", rec.Code, svc.logouts)
	}
}

func TestHandler_RateLimited(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	h, err := NewHandler(Config{RateLimitPerIPPerSecond: 1, RateLimitBurst: 2, Now: func() time.Time { return now }}, &stubService{}, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	for i := 0; i < 2; i++ {
		if rec := do(h, http.MethodGet, "/v1/session", "", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	if rec := do(h, http.MethodGet, "/v1/session", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: got %d want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec := do(h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not be limited: got %d", rec.Code)
	}
}
