// Package relayerhttp is the HTTP client for the decryption relayer.
package relayerhttp

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ayumi-zama/ayumi/internal/fhe"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidClientConfig = errors.New("relayerhttp: invalid client config")

// DefaultBaseURL is the public testnet relayer.
const DefaultBaseURL = "https://relayer.testnet.zama.cloud"

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

func WithAPIKey(key string) ClientOption {
	return func(c *Client) error {
		c.apiKey = strings.TrimSpace(key)
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	apiKey       string
	hc           *http.Client
	maxRespBytes int64
}

var _ fhe.Decrypter = (*Client)(nil)

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		hc:           &http.Client{Timeout: 2 * time.Minute},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type handleContractPair struct {
	Handle          string `json:"handle"`
	ContractAddress string `json:"contractAddress"`
}

type requestValidity struct {
	StartTimestamp string `json:"startTimestamp"`
	DurationDays   string `json:"durationDays"`
}

type userDecryptRequest struct {
	HandleContractPairs []handleContractPair `json:"handleContractPairs"`
	RequestValidity     requestValidity      `json:"requestValidity"`
	ContractsChainID    string               `json:"contractsChainId"`
	ContractAddresses   []string             `json:"contractAddresses"`
	UserAddress         string               `json:"userAddress"`
	Signature           string               `json:"signature"`
	PublicKey           string               `json:"publicKey"`
}

type userDecryptResponse struct {
	Response []struct {
		Handle string `json:"handle"`
		Sealed string `json:"sealed"`
	} `json:"response"`
}

// UserDecrypt posts the signed request. The private key is not part of the request.
func (c *Client) UserDecrypt(ctx context.Context, req fhe.UserDecryptRequest) ([]fhe.SealedValue, error) {
	if len(req.Pairs) == 0 {
		return nil, fmt.Errorf("%w: no handles", fhe.ErrInvalidInput)
	}
	body := userDecryptRequest{
		HandleContractPairs: make([]handleContractPair, 0, len(req.Pairs)),
		RequestValidity: requestValidity{
			StartTimestamp: strconv.FormatInt(req.StartTimestamp, 10),
			DurationDays:   strconv.FormatUint(uint64(req.DurationDays), 10),
		},
		ContractsChainID:  strconv.FormatUint(req.ContractsChainID, 10),
		ContractAddresses: make([]string, 0, len(req.Contracts)),
		UserAddress:       req.User.Hex(),
		Signature:         req.Signature,
		PublicKey:         hex.EncodeToString(req.PublicKey),
	}
	for _, p := range req.Pairs {
		body.HandleContractPairs = append(body.HandleContractPairs, handleContractPair{
			Handle:          p.Handle.Hex(),
			ContractAddress: p.Contract.Hex(),
		})
	}
	for _, a := range req.Contracts {
		body.ContractAddresses = append(body.ContractAddresses, a.Hex())
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("relayerhttp: marshal request: %w", err)
	}
	respBody, err := c.do(ctx, http.MethodPost, "/v1/user-decrypt", b)
	if err != nil {
		return nil, err
	}

	var out userDecryptResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", fhe.ErrMalformedResponse, err)
	}
	if len(out.Response) == 0 {
		return nil, fmt.Errorf("%w: empty response", fhe.ErrMalformedResponse)
	}
	vals := make([]fhe.SealedValue, 0, len(out.Response))
	for _, r := range out.Response {
		h, err := hexutil.Decode(r.Handle)
		if err != nil || len(h) != common.HashLength {
			return nil, fmt.Errorf("%w: bad handle %q", fhe.ErrMalformedResponse, r.Handle)
		}
		sealed, err := hexutil.Decode(r.Sealed)
		if err != nil || len(sealed) == 0 {
			return nil, fmt.Errorf("%w: bad sealed value for %s", fhe.ErrMalformedResponse, r.Handle)
		}
		vals = append(vals, fhe.SealedValue{Handle: common.BytesToHash(h), Sealed: sealed})
	}
	return vals, nil
}

// Ping checks that the relayer serves its key material.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v1/keyurl", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, suffix string, reqBody []byte) ([]byte, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, suffix)

	var rd io.Reader
	if reqBody != nil {
		rd = bytes.NewReader(reqBody)
	}
	r, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("relayerhttp: build request: %w", err)
	}
	if reqBody != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		r.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return nil, fmt.Errorf("relayerhttp: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		} else {
			var er struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			}
			if json.Unmarshal(body, &er) == nil {
				if er.Message != "" {
					msg = er.Message
				} else if er.Error != "" {
					msg = er.Error
				}
			}
		}
		return nil, fmt.Errorf("relayerhttp: status %d: %s", resp.StatusCode, msg)
	}
	return body, nil
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("relayerhttp: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("relayerhttp: response too large")
	}
	return b, nil
}
