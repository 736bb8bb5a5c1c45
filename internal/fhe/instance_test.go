package fhe

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/nacl/box"
)

type fakeEncrypter struct {
	pingErr error
	calls   int
	out     EncryptedInput
}

func (f *fakeEncrypter) Ping(context.Context) error { return f.pingErr }

func (f *fakeEncrypter) Encrypt(_ context.Context, _, _ common.Address, _ uint32) (EncryptedInput, error) {
	f.calls++
	return f.out, nil
}

// fakeRelayer seals the configured plaintexts to whatever public key the request carries.
type fakeRelayer struct {
	pingErr error
	plain   map[common.Hash][]byte
	extra   []SealedValue
	got     []UserDecryptRequest
}

func (f *fakeRelayer) Ping(context.Context) error { return f.pingErr }

func (f *fakeRelayer) UserDecrypt(_ context.Context, req UserDecryptRequest) ([]SealedValue, error) {
	f.got = append(f.got, req)
	var pub [32]byte
	copy(pub[:], req.PublicKey)
	var out []SealedValue
	for _, p := range req.Pairs {
		v, ok := f.plain[p.Handle]
		if !ok {
			continue
		}
		sealed, err := box.SealAnonymous(nil, v, &pub, rand.Reader)
		if err != nil {
			return nil, err
		}
		out = append(out, SealedValue{Handle: p.Handle, Sealed: sealed})
	}
	return append(out, f.extra...), nil
}

var testHandle = common.HexToHash("0x5a1c0ffee00000000000000000000000000000000000000000000000000000aa")

func newReadyInstance(t *testing.T, enc *fakeEncrypter, rel *fakeRelayer) *Instance {
	t.Helper()
	inst, err := NewInstance(SepoliaConfig(), enc, rel)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	if err := inst.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return inst
}

func testDecryptRequest(t *testing.T, inst *Instance) DecryptRequest {
	t.Helper()
	kp, err := inst.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return DecryptRequest{
		Pairs:        []HandleContractPair{{Handle: testHandle, Contract: testPortfolio}},
		PrivateKey:   kp.PrivateKey,
		PublicKey:    kp.PublicKey,
		Signature:    "0xdeadbeef",
		Contracts:    []common.Address{testPortfolio},
		User:         common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		IssuedAt:     testIssuedAt,
		ValidForDays: 10,
	}
}

func TestInstance_NotReadyUntilInit(t *testing.T) {
	enc := &fakeEncrypter{}
	rel := &fakeRelayer{pingErr: errors.New("relayer down")}
	inst, err := NewInstance(SepoliaConfig(), enc, rel)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	if err := inst.Init(context.Background()); err == nil {
		t.Fatalf("expected init error")
	}
	if inst.IsReady() {
		t.Fatalf("instance must not be ready after failed init")
	}
	if _, err := inst.CreateEncryptedInput(context.Background(), testPortfolio, testPortfolio, 1); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if enc.calls != 0 {
		t.Fatalf("encrypter called while not ready")
	}
	if _, err := inst.GenerateKeypair(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	rel.pingErr = nil
	if err := inst.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !inst.IsReady() {
		t.Fatalf("expected ready")
	}
}

func TestInstance_CreateEncryptedInputBindsContractAndOwner(t *testing.T) {
	enc := &fakeEncrypter{out: EncryptedInput{Handle: testHandle, Proof: []byte{0x01, 0x02}}}
	inst := newReadyInstance(t, enc, &fakeRelayer{})

	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	in, err := inst.CreateEncryptedInput(context.Background(), testPortfolio, owner, 1000)
	if err != nil {
		t.Fatalf("CreateEncryptedInput: %v", err)
	}
	if in.Contract != testPortfolio || in.Owner != owner || in.Handle != testHandle {
		t.Fatalf("input: %+v", in)
	}

	enc.out = EncryptedInput{Handle: testHandle}
	if _, err := inst.CreateEncryptedInput(context.Background(), testPortfolio, owner, 1000); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse for empty proof, got %v", err)
	}
}

func TestInstance_DecryptOpensSealedValues(t *testing.T) {
	rel := &fakeRelayer{plain: map[common.Hash][]byte{testHandle: big.NewInt(2500).Bytes()}}
	inst := newReadyInstance(t, &fakeEncrypter{}, rel)
	req := testDecryptRequest(t, inst)

	got, err := inst.Decrypt(context.Background(), req)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if v := got[testHandle]; v == nil || v.Int64() != 2500 {
		t.Fatalf("value: got %v want 2500", v)
	}

	sent := rel.got[0]
	if sent.Signature != "deadbeef" {
		t.Fatalf("signature: got %q want %q", sent.Signature, "deadbeef")
	}
	if sent.ContractsChainID != 11155111 || sent.DurationDays != 10 || sent.StartTimestamp != testIssuedAt.Unix() {
		t.Fatalf("request: %+v", sent)
	}
}

func TestInstance_DecryptIgnoresUnrequestedAndRejectsGarbage(t *testing.T) {
	other := common.HexToHash("0x01")
	rel := &fakeRelayer{
		plain: map[common.Hash][]byte{},
		extra: []SealedValue{{Handle: other, Sealed: []byte("not sealed")}},
	}
	inst := newReadyInstance(t, &fakeEncrypter{}, rel)

	got, err := inst.Decrypt(context.Background(), testDecryptRequest(t, inst))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no values, got %v", got)
	}

	rel.extra = []SealedValue{{Handle: testHandle, Sealed: []byte("not sealed")}}
	if _, err := inst.Decrypt(context.Background(), testDecryptRequest(t, inst)); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestKeypair_Wipe(t *testing.T) {
	kp, err := GenerateKeypair(nil)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	kp.Wipe()
	if kp.PrivateKey != ([32]byte{}) {
		t.Fatalf("private key not wiped")
	}
}
