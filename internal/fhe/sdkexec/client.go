// Package sdkexec drives the external encryption SDK helper: one JSON request on stdin, one JSON
// response on stdout.
package sdkexec

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ayumi-zama/ayumi/internal/fhe"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidConfig = errors.New("sdkexec: invalid config")

const (
	requestVersion  = "fhesdk.request.v1"
	responseVersion = "fhesdk.response.v1"
)

type execCommandFn func(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, []byte, error)

type Client struct {
	bin  string
	args []string

	maxResponseBytes int
	execCommand      execCommandFn
}

var _ fhe.Encrypter = (*Client)(nil)

func New(bin string, args []string, maxResponseBytes int) (*Client, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("%w: missing sdk helper binary", ErrInvalidConfig)
	}
	if maxResponseBytes <= 0 {
		return nil, fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
	}
	return &Client{
		bin:              bin,
		args:             append([]string(nil), args...),
		maxResponseBytes: maxResponseBytes,
		execCommand:      runExecCommand,
	}, nil
}

type response struct {
	Version    string   `json:"version"`
	Handles    []string `json:"handles"`
	InputProof string   `json:"inputProof"`
	Error      string   `json:"error"`
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, map[string]any{
		"version": requestVersion,
		"op":      "ping",
	})
	return err
}

// Encrypt produces a single euint32 input bound to (contract, owner).
func (c *Client) Encrypt(ctx context.Context, contract, owner common.Address, value uint32) (fhe.EncryptedInput, error) {
	if contract == (common.Address{}) || owner == (common.Address{}) {
		return fhe.EncryptedInput{}, fmt.Errorf("%w: contract and owner required", fhe.ErrInvalidInput)
	}
	resp, err := c.call(ctx, map[string]any{
		"version":         requestVersion,
		"op":              "encrypt",
		"contractAddress": contract.Hex(),
		"userAddress":     owner.Hex(),
		"values": []map[string]string{
			{"type": "euint32", "value": strconv.FormatUint(uint64(value), 10)},
		},
	})
	if err != nil {
		return fhe.EncryptedInput{}, err
	}
	if len(resp.Handles) != 1 {
		return fhe.EncryptedInput{}, fmt.Errorf("sdkexec: expected 1 handle, got %d", len(resp.Handles))
	}
	h, err := decodeHexBytes(resp.Handles[0])
	if err != nil {
		return fhe.EncryptedInput{}, fmt.Errorf("sdkexec: decode handle: %w", err)
	}
	if len(h) != common.HashLength {
		return fhe.EncryptedInput{}, fmt.Errorf("sdkexec: handle has %d bytes", len(h))
	}
	proof, err := decodeHexBytes(resp.InputProof)
	if err != nil {
		return fhe.EncryptedInput{}, fmt.Errorf("sdkexec: decode input proof: %w", err)
	}
	return fhe.EncryptedInput{
		Handle:   common.BytesToHash(h),
		Proof:    proof,
		Contract: contract,
		Owner:    owner,
	}, nil
}

func (c *Client) call(ctx context.Context, req map[string]any) (response, error) {
	if c == nil || c.execCommand == nil {
		return response{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("sdkexec: marshal request: %w", err)
	}

	stdout, stderr, err := c.execCommand(ctx, c.bin, c.args, reqBody)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		if msg == "" {
			return response{}, fmt.Errorf("sdkexec: execute helper: %w", err)
		}
		return response{}, fmt.Errorf("sdkexec: execute helper: %w: %s", err, msg)
	}
	if len(stdout) > c.maxResponseBytes {
		return response{}, fmt.Errorf("sdkexec: response too large")
	}

	var resp response
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return response{}, fmt.Errorf("sdkexec: decode response: %w", err)
	}
	if resp.Version != responseVersion {
		return response{}, fmt.Errorf("sdkexec: unexpected response version %q", resp.Version)
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" {
		return response{}, fmt.Errorf("sdkexec: %s", msg)
	}
	return resp, nil
}

func runExecCommand(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func decodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if s == "" {
		return nil, fmt.Errorf("empty hex")
	}
	return hex.DecodeString(s)
}
