// Package portfolioabi packs calldata for the test token and the PortfolioManager contract and
// decodes their return data.
package portfolioabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var ErrInvalidInput = errors.New("portfolioabi: invalid input")

var (
	initOnce sync.Once
	initErr  error

	tokenABI     abi.ABI
	portfolioABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		tokenABI, err = abi.JSON(strings.NewReader(tokenABIJSON))
		if err != nil {
			initErr = fmt.Errorf("portfolioabi: parse token ABI: %w", err)
			return
		}
		portfolioABI, err = abi.JSON(strings.NewReader(portfolioABIJSON))
		if err != nil {
			initErr = fmt.Errorf("portfolioabi: parse portfolio ABI: %w", err)
		}
	})
	return initErr
}

func PackClaimTokens(amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: claim amount must be > 0", ErrInvalidInput)
	}
	return pack(&tokenABI, "claimTokens", amount)
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if (spender == common.Address{}) {
		return nil, fmt.Errorf("%w: spender must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: approve amount must be >= 0", ErrInvalidInput)
	}
	return pack(&tokenABI, "approve", spender, amount)
}

func PackBalanceOf(account common.Address) ([]byte, error) {
	return pack(&tokenABI, "balanceOf", account)
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return pack(&tokenABI, "allowance", owner, spender)
}

func PackCanClaim(user common.Address) ([]byte, error) {
	return pack(&tokenABI, "canClaim", user)
}

func PackTimeUntilNextClaim(user common.Address) ([]byte, error) {
	return pack(&tokenABI, "timeUntilNextClaim", user)
}

// PackDeposit packs PortfolioManager.deposit(bytes32 inputHandle, bytes inputProof).
func PackDeposit(handle common.Hash, proof []byte) ([]byte, error) {
	if (handle == common.Hash{}) {
		return nil, fmt.Errorf("%w: input handle must be non-zero", ErrInvalidInput)
	}
	if len(proof) == 0 {
		return nil, fmt.Errorf("%w: input proof must be non-empty", ErrInvalidInput)
	}
	return pack(&portfolioABI, "deposit", [32]byte(handle), proof)
}

func PackGetTotalBalance() ([]byte, error) {
	return pack(&portfolioABI, "getTotalBalance")
}

func UnpackUint256(method string, data []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	out, err := tokenABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("portfolioabi: unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("portfolioabi: unpack %s: got %d values", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("portfolioabi: unpack %s: unexpected type %T", method, out[0])
	}
	return v, nil
}

func UnpackBool(method string, data []byte) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}
	out, err := tokenABI.Unpack(method, data)
	if err != nil {
		return false, fmt.Errorf("portfolioabi: unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("portfolioabi: unpack %s: got %d values", method, len(out))
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("portfolioabi: unpack %s: unexpected type %T", method, out[0])
	}
	return v, nil
}

// UnpackTotalBalance decodes the ciphertext handle returned by getTotalBalance().
func UnpackTotalBalance(data []byte) (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	out, err := portfolioABI.Unpack("getTotalBalance", data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("portfolioabi: unpack getTotalBalance: %w", err)
	}
	if len(out) != 1 {
		return common.Hash{}, fmt.Errorf("portfolioabi: unpack getTotalBalance: got %d values", len(out))
	}
	h, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("portfolioabi: unpack getTotalBalance: unexpected type %T", out[0])
	}
	return common.Hash(h), nil
}

// RevertReason extracts the Error(string) reason carried by a JSON-RPC error, if any.
func RevertReason(err error) (string, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return "", false
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return "", false
	}
	b, decErr := hexutil.Decode(s)
	if decErr != nil {
		return "", false
	}
	reason, unpackErr := abi.UnpackRevert(b)
	if unpackErr != nil {
		return "", false
	}
	return reason, true
}

func pack(a *abi.ABI, method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("portfolioabi: pack %s: %w", method, err)
	}
	return b, nil
}

const tokenABIJSON = `[
  {"type":"function","name":"claimTokens","stateMutability":"nonpayable",
   "inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"canClaim","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"timeUntilNextClaim","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const portfolioABIJSON = `[
  {"type":"function","name":"deposit","stateMutability":"nonpayable",
   "inputs":[{"name":"inputHandle","type":"bytes32"},{"name":"inputProof","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"getTotalBalance","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`
