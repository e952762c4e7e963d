package pricegraph

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownVenueKind = errors.New("unknown venue kind")
	ErrTokenNotInVenue  = errors.New("token is not traded by venue")
	ErrZeroReserves     = errors.New("venue has zero reserves")
	ErrZeroPrice        = errors.New("venue has zero price")
	ErrPriceOverflow    = errors.New("venue price is not representable")

	ErrReservesTooLow     = errors.New("venue reserves below threshold")
	ErrNoLiquidity        = errors.New("venue has no liquidity")
	ErrDegenerateFee      = errors.New("venue fee is degenerate")
	ErrDegenerateDecimals = errors.New("venue token decimals are degenerate")
)

// VenueKind is the closed set of supported venue types.
type VenueKind uint8

const (
	KindConstantProduct VenueKind = iota + 1
	KindConcentrated
)

func (k VenueKind) String() string {
	switch k {
	case KindConstantProduct:
		return "constant-product"
	case KindConcentrated:
		return "concentrated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func (k VenueKind) MarshalText() ([]byte, error) {
	switch k {
	case KindConstantProduct, KindConcentrated:
		return []byte(k.String()), nil
	default:
		return nil, ErrUnknownVenueKind
	}
}

func (k *VenueKind) UnmarshalText(data []byte) error {
	switch string(data) {
	case "constant-product", "v2":
		*k = KindConstantProduct
	case "concentrated", "v3":
		*k = KindConcentrated
	default:
		return ErrUnknownVenueKind
	}
	return nil
}

var q96 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

// Venue is a snapshot of one AMM pool. Which state fields are meaningful depends on Kind:
// constant-product venues use Reserve0/Reserve1, concentrated venues use
// SqrtPriceX96/Liquidity/Tick/Fee.
//
// A Venue stored in a Store is never mutated; state changes replace the pointer.
type Venue struct {
	Kind      VenueKind      `json:"kind"`
	Address   common.Address `json:"address"`
	Router    common.Address `json:"router"`
	Token0    common.Address `json:"token0"`
	Token1    common.Address `json:"token1"`
	Decimals0 uint8          `json:"decimals0"`
	Decimals1 uint8          `json:"decimals1"`

	Reserve0 *big.Int `json:"reserve0,omitempty"`
	Reserve1 *big.Int `json:"reserve1,omitempty"`

	SqrtPriceX96 *big.Int `json:"sqrtPriceX96,omitempty"`
	Liquidity    *big.Int `json:"liquidity,omitempty"`
	Tick         int32    `json:"tick,omitempty"`
	Fee          uint32   `json:"fee,omitempty"`
}

// FeeTier returns the fee of a concentrated venue. Constant-product venues have no tier.
func (v *Venue) FeeTier() (uint32, bool) {
	switch v.Kind {
	case KindConcentrated:
		return v.Fee, true
	default:
		return 0, false
	}
}

func (v *Venue) Has(token common.Address) bool {
	return token == v.Token0 || token == v.Token1
}

// Other returns the counterpart of token in the pair.
func (v *Venue) Other(token common.Address) common.Address {
	if token == v.Token0 {
		return v.Token1
	}
	return v.Token0
}

// PriceOf returns how many units of the other token one unit of base buys, decimals adjusted.
func (v *Venue) PriceOf(base common.Address) (float64, error) {
	if !v.Has(base) {
		return 0, ErrTokenNotInVenue
	}
	var price0 *big.Float // price of token0 in token1
	switch v.Kind {
	case KindConstantProduct:
		if v.Reserve0 == nil || v.Reserve1 == nil || v.Reserve0.Sign() <= 0 || v.Reserve1.Sign() <= 0 {
			return 0, ErrZeroReserves
		}
		r0 := new(big.Float).Quo(new(big.Float).SetInt(v.Reserve0), pow10(v.Decimals0))
		r1 := new(big.Float).Quo(new(big.Float).SetInt(v.Reserve1), pow10(v.Decimals1))
		price0 = r1.Quo(r1, r0)
	case KindConcentrated:
		if v.SqrtPriceX96 == nil || v.SqrtPriceX96.Sign() <= 0 {
			return 0, ErrZeroPrice
		}
		sqrt := new(big.Float).Quo(new(big.Float).SetInt(v.SqrtPriceX96), q96)
		price0 = sqrt.Mul(sqrt, sqrt)
		price0.Mul(price0, pow10(v.Decimals0))
		price0.Quo(price0, pow10(v.Decimals1))
	default:
		return 0, ErrUnknownVenueKind
	}

	if base == v.Token1 {
		if price0.Sign() == 0 {
			return 0, ErrZeroPrice
		}
		price0 = new(big.Float).Quo(big.NewFloat(1), price0)
	}
	price, _ := price0.Float64()
	if price == 0 {
		return 0, ErrZeroPrice
	}
	if math.IsInf(price, 0) {
		return 0, ErrPriceOverflow
	}
	return price, nil
}

// Thresholds are the minimum state a venue needs to enter the graph.
type Thresholds struct {
	MinReserve *big.Int
}

var DefaultThresholds = Thresholds{
	MinReserve: big.NewInt(100),
}

func (v *Venue) Validate(th Thresholds) error {
	switch v.Kind {
	case KindConstantProduct:
		if v.Reserve0 == nil || v.Reserve1 == nil {
			return ErrReservesTooLow
		}
		if th.MinReserve != nil && (v.Reserve0.Cmp(th.MinReserve) < 0 || v.Reserve1.Cmp(th.MinReserve) < 0) {
			return ErrReservesTooLow
		}
	case KindConcentrated:
		if v.Fee == 0 || v.Fee == 1 {
			return ErrDegenerateFee
		}
		if v.Decimals0 == 0 || v.Decimals1 == 0 {
			return ErrDegenerateDecimals
		}
		if v.Liquidity == nil || v.Liquidity.Sign() == 0 {
			return ErrNoLiquidity
		}
	default:
		return ErrUnknownVenueKind
	}
	return nil
}

// StateEqual reports whether two snapshots of the same venue carry the same market state.
func (v *Venue) StateEqual(o *Venue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindConstantProduct:
		return bigEqual(v.Reserve0, o.Reserve0) && bigEqual(v.Reserve1, o.Reserve1)
	case KindConcentrated:
		return bigEqual(v.SqrtPriceX96, o.SqrtPriceX96) && bigEqual(v.Liquidity, o.Liquidity) && v.Tick == o.Tick
	default:
		return false
	}
}

func (v *Venue) Clone() *Venue {
	c := *v
	c.Reserve0 = cloneBig(v.Reserve0)
	c.Reserve1 = cloneBig(v.Reserve1)
	c.SqrtPriceX96 = cloneBig(v.SqrtPriceX96)
	c.Liquidity = cloneBig(v.Liquidity)
	return &c
}

func pow10(d uint8) *big.Float {
	return new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil))
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

func cloneBig(i *big.Int) *big.Int {
	if i == nil {
		return nil
	}
	return new(big.Int).Set(i)
}
