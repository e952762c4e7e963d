// Package encoder turns trade plans into calldata for the arbitrage contract.
package encoder

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrUnknownFlashLoan = errors.New("unknown flash loan mode")
	ErrNegativeAmount   = errors.New("amount must not be negative")
	ErrFeeOverflow      = errors.New("fee does not fit in 24 bits")
	ErrEmptyRoute       = errors.New("route has no hops")
)

// FlashLoan selects how the contract funds the trade.
type FlashLoan uint8

const (
	FlashLoanNone FlashLoan = iota
	// FlashLoanPooled borrows from a pooled-liquidity vault (Balancer).
	FlashLoanPooled
	// FlashLoanSwap borrows through a flash swap on the first pair (UniswapV2).
	FlashLoanSwap
)

func (f FlashLoan) String() string {
	switch f {
	case FlashLoanNone:
		return "none"
	case FlashLoanPooled:
		return "pooled"
	case FlashLoanSwap:
		return "swap"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

func ParseFlashLoan(s string) (FlashLoan, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return FlashLoanNone, nil
	case "pooled", "balancer":
		return FlashLoanPooled, nil
	case "swap", "uniswapv2":
		return FlashLoanSwap, nil
	default:
		return 0, ErrUnknownFlashLoan
	}
}

var byteMask = big.NewInt(0xff)

// PackHeader encodes (amount << 16) | (percentage << 8) | mode. percentage is the validator
// payment out of 256.
func PackHeader(amount *big.Int, percentage uint8, mode FlashLoan) (*big.Int, error) {
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	header := new(big.Int).Lsh(amount, 16)
	header.Or(header, big.NewInt(int64(percentage)<<8))
	header.Or(header, big.NewInt(int64(mode)))
	return header, nil
}

func UnpackHeader(header *big.Int) (amount *big.Int, percentage uint8, mode FlashLoan) {
	amount = new(big.Int).Rsh(header, 16)
	percentage = uint8(new(big.Int).And(new(big.Int).Rsh(header, 8), byteMask).Uint64())
	mode = FlashLoan(new(big.Int).And(header, byteMask).Uint64())
	return amount, percentage, mode
}

// ValidatorShare returns the fraction of captured value paid to the block proposer.
func ValidatorShare(percentage uint8) float64 {
	return float64(percentage) / 256
}
