package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

type fakeRPC struct {
	id    int64
	calls int
}

func (f *fakeRPC) ChainID(_ context.Context) (*big.Int, error) {
	f.calls++
	return big.NewInt(f.id), nil
}

func TestLocal_SwitchChain_VerifiesAndCaches(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	rpc := &fakeRPC{id: 11155111}
	w, err := NewLocal(key, rpc)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	if err := w.SwitchChain(context.Background(), 11155111); err != nil {
		t.Fatalf("SwitchChain: %v", err)
	}
	if err := w.SwitchChain(context.Background(), 1); !errors.Is(err, ErrWrongChain) {
		t.Fatalf("expected ErrWrongChain, got %v", err)
	}
	if rpc.calls != 1 {
		t.Fatalf("rpc calls: got %d want %d", rpc.calls, 1)
	}
	if w.Address() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("address mismatch")
	}
}

func TestNewLocal_RejectsNil(t *testing.T) {
	if _, err := NewLocal(nil, &fakeRPC{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
