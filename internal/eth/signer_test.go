package eth

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

func testSigner(t *testing.T) *LocalSigner {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	return NewLocalSigner(key)
}

func TestLocalSigner_SignsDynamicFeeTx(t *testing.T) {
	chainID := big.NewInt(11155111)
	s := testSigner(t)
	if (s.Address() == common.Address{}) {
		t.Fatalf("expected non-zero address")
	}

	to := common.HexToAddress("0x7D5BA7DeB9A5d2F36FE38782129F6401A66e1096")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})

	signed, err := s.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != s.Address() {
		t.Fatalf("from mismatch: got %s want %s", from, s.Address())
	}
}

func TestLocalSigner_TypedDataRoundTrip(t *testing.T) {
	s := testSigner(t)

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Ping": {
				{Name: "owner", Type: "address"},
				{Name: "count", Type: "uint256"},
			},
		},
		PrimaryType: "Ping",
		Domain: apitypes.TypedDataDomain{
			Name:              "Test",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1),
			VerifyingContract: "0xc5e5A9e484DD7B69E0235c94C4dE67388f20859c",
		},
		Message: apitypes.TypedDataMessage{
			"owner": s.Address().Hex(),
			"count": "3",
		},
	}

	sig, err := s.SignTypedData(td)
	if err != nil {
		t.Fatalf("SignTypedData: %v", err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("unexpected signature shape: len=%d v=%d", len(sig), sig[len(sig)-1])
	}

	got, err := RecoverTypedDataSigner(td, sig)
	if err != nil {
		t.Fatalf("RecoverTypedDataSigner: %v", err)
	}
	if got != s.Address() {
		t.Fatalf("recovered: got %s want %s", got, s.Address())
	}

	td.Message["count"] = "4"
	other, err := RecoverTypedDataSigner(td, sig)
	if err == nil && other == s.Address() {
		t.Fatalf("signature must not verify over a different message")
	}
}

func TestLocalSigner_NilKeyRejected(t *testing.T) {
	s := NewLocalSigner(nil)
	if _, err := s.SignTypedData(apitypes.TypedData{}); err != ErrInvalidSigner {
		t.Fatalf("expected ErrInvalidSigner, got %v", err)
	}
}
