package relayerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ayumi-zama/ayumi/internal/fhe"
	"github.com/ethereum/go-ethereum/common"
)

var (
	testHandle    = common.HexToHash("0x5a1c0ffee00000000000000000000000000000000000000000000000000000aa")
	testPortfolio = common.HexToAddress("0xc5e5A9e484DD7B69E0235c94C4dE67388f20859c")
	testUser      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func testRequest() fhe.UserDecryptRequest {
	return fhe.UserDecryptRequest{
		Pairs:            []fhe.HandleContractPair{{Handle: testHandle, Contract: testPortfolio}},
		ContractsChainID: 11155111,
		Contracts:        []common.Address{testPortfolio},
		User:             testUser,
		Signature:        "deadbeef",
		PublicKey:        []byte{0xab, 0xcd},
		StartTimestamp:   1761566400,
		DurationDays:     10,
	}
}

func TestClient_UserDecrypt_SendsRequestAndParsesResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/user-decrypt" {
			t.Errorf("request: got %s %s", r.Method, r.URL.Path)
		}
		var req userDecryptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode req: %v", err)
		}
		if len(req.HandleContractPairs) != 1 || req.HandleContractPairs[0].Handle != testHandle.Hex() {
			t.Errorf("pairs: got %+v", req.HandleContractPairs)
		}
		if req.ContractsChainID != "11155111" || req.UserAddress != testUser.Hex() {
			t.Errorf("request: %+v", req)
		}
		if req.RequestValidity.StartTimestamp != "1761566400" || req.RequestValidity.DurationDays != "10" {
			t.Errorf("validity: got %+v", req.RequestValidity)
		}
		if req.Signature != "deadbeef" || req.PublicKey != "abcd" {
			t.Errorf("signature/public key: got %q %q", req.Signature, req.PublicKey)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":[{"handle":"` + testHandle.Hex() + `","sealed":"0x0102"}]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)

	vals, err := c.UserDecrypt(ctx, testRequest())
	if err != nil {
		t.Fatalf("UserDecrypt: %v", err)
	}
	if len(vals) != 1 || vals[0].Handle != testHandle || len(vals[0].Sealed) != 2 {
		t.Fatalf("values: got %+v", vals)
	}
}

func TestClient_UserDecrypt_ReturnsRelayerMessageOnNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid EIP-712 signature"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.UserDecrypt(context.Background(), testRequest())
	if err == nil || !strings.Contains(err.Error(), "invalid EIP-712 signature") {
		t.Fatalf("expected relayer message, got %v", err)
	}
}

func TestClient_UserDecrypt_EmptyResponseIsMalformed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response":[]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.UserDecrypt(context.Background(), testRequest()); !errors.Is(err, fhe.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestClient_UserDecrypt_RejectsOversizedResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithMaxResponseBytes(16))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.UserDecrypt(context.Background(), testRequest()); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestClient_Ping_SendsAPIKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/relayer/v1/keyurl" {
			t.Errorf("request: got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "k1" {
			t.Errorf("x-api-key: got %q want %q", got, "k1")
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/relayer", WithHTTPClient(srv.Client()), WithAPIKey("k1"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestNewClient_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "ftp://relayer", "http://"} {
		if _, err := NewClient(u); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("%q: expected ErrInvalidClientConfig, got %v", u, err)
		}
	}
}
