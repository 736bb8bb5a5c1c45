package fhe

import (
	"errors"
	"testing"
	"time"

	"github.com/ayumi-zama/ayumi/internal/eth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	testPortfolio = common.HexToAddress("0xc5e5A9e484DD7B69E0235c94C4dE67388f20859c")
	testIssuedAt  = time.Date(2025, 10, 27, 12, 0, 0, 0, time.UTC)
)

func TestBuildAuthorization_SignatureRecoversWallet(t *testing.T) {
	key, err := crypto.HexToECDSA("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d")
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	signer := eth.NewLocalSigner(key)

	kp, err := GenerateKeypair(nil)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	auth, err := BuildAuthorization(SepoliaConfig().Domain, kp.PublicKey[:], []common.Address{testPortfolio}, testIssuedAt, 10)
	if err != nil {
		t.Fatalf("BuildAuthorization: %v", err)
	}
	if auth.TypedData.PrimaryType != UserDecryptPrimaryType {
		t.Fatalf("primary type: got %q want %q", auth.TypedData.PrimaryType, UserDecryptPrimaryType)
	}
	if got := auth.TypedData.Message["startTimestamp"]; got != "1761566400" {
		t.Fatalf("startTimestamp: got %v want %v", got, "1761566400")
	}
	if got, want := auth.ExpiresAt(), testIssuedAt.Add(240*time.Hour); !got.Equal(want) {
		t.Fatalf("expires: got %v want %v", got, want)
	}

	sig, err := signer.SignTypedData(auth.TypedData)
	if err != nil {
		t.Fatalf("SignTypedData: %v", err)
	}
	addr, err := eth.RecoverTypedDataSigner(auth.TypedData, sig)
	if err != nil {
		t.Fatalf("RecoverTypedDataSigner: %v", err)
	}
	if addr != signer.Address() {
		t.Fatalf("recovered: got %s want %s", addr, signer.Address())
	}

	// Any change to the scope changes what was signed.
	other, err := BuildAuthorization(SepoliaConfig().Domain, kp.PublicKey[:], []common.Address{testPortfolio}, testIssuedAt, 11)
	if err != nil {
		t.Fatalf("BuildAuthorization: %v", err)
	}
	addr, err = eth.RecoverTypedDataSigner(other.TypedData, sig)
	if err == nil && addr == signer.Address() {
		t.Fatalf("signature must not cover a different window")
	}
}

func TestBuildAuthorization_DeduplicatesContracts(t *testing.T) {
	token := common.HexToAddress("0x7D5BA7DeB9A5d2F36FE38782129F6401A66e1096")
	auth, err := BuildAuthorization(SepoliaConfig().Domain, []byte{1}, []common.Address{testPortfolio, token, testPortfolio}, testIssuedAt, 1)
	if err != nil {
		t.Fatalf("BuildAuthorization: %v", err)
	}
	if len(auth.Contracts) != 2 || auth.Contracts[0] != testPortfolio || auth.Contracts[1] != token {
		t.Fatalf("contracts: got %v", auth.Contracts)
	}
	if got := auth.TypedData.Message["contractAddresses"].([]interface{}); len(got) != 2 {
		t.Fatalf("typed contracts: got %v", got)
	}
}

func TestBuildAuthorization_RejectsInvalidInput(t *testing.T) {
	d := SepoliaConfig().Domain
	cases := []struct {
		name      string
		domain    Domain
		pub       []byte
		contracts []common.Address
		issuedAt  time.Time
		days      uint32
		want      error
	}{
		{"empty domain", Domain{}, []byte{1}, []common.Address{testPortfolio}, testIssuedAt, 10, ErrInvalidConfig},
		{"empty key", d, nil, []common.Address{testPortfolio}, testIssuedAt, 10, ErrInvalidInput},
		{"no contracts", d, []byte{1}, nil, testIssuedAt, 10, ErrInvalidInput},
		{"zero contract", d, []byte{1}, []common.Address{{}}, testIssuedAt, 10, ErrInvalidInput},
		{"zero time", d, []byte{1}, []common.Address{testPortfolio}, time.Time{}, 10, ErrInvalidInput},
		{"zero days", d, []byte{1}, []common.Address{testPortfolio}, testIssuedAt, 0, ErrInvalidInput},
		{"too many days", d, []byte{1}, []common.Address{testPortfolio}, testIssuedAt, MaxValidForDays + 1, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildAuthorization(tc.domain, tc.pub, tc.contracts, tc.issuedAt, tc.days)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}
