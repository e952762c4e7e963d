package pipeline

import (
	"math/big"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// GasPrice is the current gas price in wei shared by the stages. Block events write it, the
// scorer and the submitter read it.
type GasPrice struct {
	wei atomic.Pointer[big.Int]
}

func NewGasPrice(wei *big.Int) *GasPrice {
	g := &GasPrice{}
	g.Set(wei)
	return g
}

func (g *GasPrice) Set(wei *big.Int) {
	if wei == nil {
		wei = new(big.Int)
	}
	g.wei.Store(new(big.Int).Set(wei))
}

func (g *GasPrice) Wei() *big.Int {
	return new(big.Int).Set(g.wei.Load())
}

func (g *GasPrice) Gwei() float64 {
	return decimal.NewFromBigInt(g.wei.Load(), -9).InexactFloat64()
}
