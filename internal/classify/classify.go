// Package classify maps wallet, chain and encryption failures onto the small set of outcomes the
// user can act on.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayumi-zama/ayumi/internal/eth"
	"github.com/ayumi-zama/ayumi/internal/fhe"
	"github.com/ethereum/go-ethereum/rpc"
)

type Kind int

const (
	Unknown Kind = iota
	UserRejected
	CooldownActive
	InsufficientGas
	EncryptionNotReady
	DecryptionFailure
	ContractRejected
)

func (k Kind) String() string {
	switch k {
	case UserRejected:
		return "user_rejected"
	case CooldownActive:
		return "cooldown_active"
	case InsufficientGas:
		return "insufficient_gas"
	case EncryptionNotReady:
		return "encryption_not_ready"
	case DecryptionFailure:
		return "decryption_failure"
	case ContractRejected:
		return "contract_rejected"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Err is the underlying cause and stays reachable through
// errors.Is / errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// RetryAfter is set for CooldownActive when the remaining wait is known.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// userRejectedCode is the EIP-1193 "user rejected request" code.
const userRejectedCode = 4001

var (
	userRejectedPatterns    = []string{"action_rejected", "user rejected", "user denied", "rejected by user", "user cancelled"}
	cooldownPatterns        = []string{"cooldown", "too soon", "please wait", "wait before"}
	insufficientGasPatterns = []string{"insufficient funds", "gas required exceeds", "intrinsic gas too low"}
	revertPatterns          = []string{"revert"}
)

// Classify returns the kind of err. An already classified error keeps its kind.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return classifyRaw(err)
}

func classifyRaw(err error) Kind {
	if errors.Is(err, fhe.ErrNotReady) {
		return EncryptionNotReady
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return UserRejected
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, userRejectedPatterns):
		return UserRejected
	case containsAny(msg, cooldownPatterns):
		return CooldownActive
	case containsAny(msg, insufficientGasPatterns):
		return InsufficientGas
	case errors.Is(err, eth.ErrReverted) || containsAny(msg, revertPatterns):
		return ContractRejected
	case errors.Is(err, fhe.ErrMalformedResponse):
		return DecryptionFailure
	}
	return Unknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Wrap classifies err under op. nil stays nil and classified errors are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: classifyRaw(err), Op: op, Err: err}
}

// New returns a classified error of a fixed kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Decryption marks err as a decryption failure. The cause keeps its own kind, so a signer
// rejection is still visible through Has(err, UserRejected).
func Decryption(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == DecryptionFailure {
		return err
	}
	return &Error{Kind: DecryptionFailure, Op: op, Err: err}
}

// KindOf returns the outermost classification of err.
func KindOf(err error) Kind { return Classify(err) }

// Has reports whether any classification in err's chain, or the unclassified root cause,
// is kind.
func Has(err error, kind Kind) bool {
	cur := err
	for cur != nil {
		var ce *Error
		if !errors.As(cur, &ce) {
			return classifyRaw(cur) == kind
		}
		if ce.Kind == kind {
			return true
		}
		cur = ce.Err
	}
	return false
}

// Message is the user-facing text for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	switch KindOf(err) {
	case UserRejected:
		return "transaction cancelled"
	case CooldownActive:
		var ce *Error
		if errors.As(err, &ce) && ce.RetryAfter > 0 {
			return fmt.Sprintf("wait before claiming again (about %s)", ce.RetryAfter.Round(time.Minute))
		}
		return "wait before claiming again"
	case InsufficientGas:
		return "not enough ETH to pay network fees"
	case EncryptionNotReady:
		return "encryption is still initializing, try again shortly"
	case DecryptionFailure:
		return "could not decrypt the balance, try again"
	case ContractRejected:
		return "the contract rejected the transaction"
	default:
		return rootMessage(err)
	}
}

func rootMessage(err error) string {
	var ce *Error
	for errors.As(err, &ce) && ce.Err != nil {
		err = ce.Err
	}
	return err.Error()
}
