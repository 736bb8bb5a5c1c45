package fhe

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DecryptionDomainName    = "Decryption"
	DecryptionDomainVersion = "1"

	UserDecryptPrimaryType = "UserDecryptRequestVerification"

	// MaxValidForDays is the longest authorization window the relayer accepts.
	MaxValidForDays = 365
)

// Domain is the EIP-712 domain the decryption verifier checks signatures against.
type Domain struct {
	ChainID           uint64
	VerifyingContract common.Address
}

// Authorization is an unsigned decryption grant: an ephemeral public key scoped to a contract set
// and a time window. TypedData is the exact structure the wallet signs.
type Authorization struct {
	PublicKey    []byte
	Contracts    []common.Address
	IssuedAt     time.Time
	ValidForDays uint32
	TypedData    apitypes.TypedData
}

func (a Authorization) ExpiresAt() time.Time {
	return a.IssuedAt.Add(time.Duration(a.ValidForDays) * 24 * time.Hour)
}

var userDecryptTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	UserDecryptPrimaryType: {
		{Name: "publicKey", Type: "bytes"},
		{Name: "contractAddresses", Type: "address[]"},
		{Name: "startTimestamp", Type: "uint256"},
		{Name: "durationDays", Type: "uint256"},
	},
}

// BuildAuthorization validates the grant parameters and builds its typed-data form. Duplicate
// contracts are collapsed, first occurrence wins.
func BuildAuthorization(d Domain, publicKey []byte, contracts []common.Address, issuedAt time.Time, validForDays uint32) (Authorization, error) {
	if d.ChainID == 0 || d.VerifyingContract == (common.Address{}) {
		return Authorization{}, fmt.Errorf("%w: incomplete eip712 domain", ErrInvalidConfig)
	}
	if len(publicKey) == 0 {
		return Authorization{}, fmt.Errorf("%w: empty public key", ErrInvalidInput)
	}
	if issuedAt.IsZero() || issuedAt.Unix() <= 0 {
		return Authorization{}, fmt.Errorf("%w: missing issued-at", ErrInvalidInput)
	}
	if validForDays == 0 || validForDays > MaxValidForDays {
		return Authorization{}, fmt.Errorf("%w: validity must be 1..%d days", ErrInvalidInput, MaxValidForDays)
	}

	seen := make(map[common.Address]struct{}, len(contracts))
	scope := make([]common.Address, 0, len(contracts))
	for _, c := range contracts {
		if c == (common.Address{}) {
			return Authorization{}, fmt.Errorf("%w: zero contract address", ErrInvalidInput)
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		scope = append(scope, c)
	}
	if len(scope) == 0 {
		return Authorization{}, fmt.Errorf("%w: empty contract scope", ErrInvalidInput)
	}

	addrs := make([]interface{}, 0, len(scope))
	for _, c := range scope {
		addrs = append(addrs, c.Hex())
	}

	issuedAt = time.Unix(issuedAt.Unix(), 0).UTC()
	pk := append([]byte(nil), publicKey...)

	return Authorization{
		PublicKey:    pk,
		Contracts:    scope,
		IssuedAt:     issuedAt,
		ValidForDays: validForDays,
		TypedData: apitypes.TypedData{
			Types:       userDecryptTypes,
			PrimaryType: UserDecryptPrimaryType,
			Domain: apitypes.TypedDataDomain{
				Name:              DecryptionDomainName,
				Version:           DecryptionDomainVersion,
				ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(d.ChainID)),
				VerifyingContract: d.VerifyingContract.Hex(),
			},
			Message: apitypes.TypedDataMessage{
				"publicKey":         hexutil.Encode(pk),
				"contractAddresses": addrs,
				"startTimestamp":    strconv.FormatInt(issuedAt.Unix(), 10),
				"durationDays":      strconv.FormatUint(uint64(validForDays), 10),
			},
		},
	}, nil
}
