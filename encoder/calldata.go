package encoder

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrUnexpectedOutput = errors.New("unexpected contract output")

const botABIJSON = `[
	{"type":"function","name":"makeArbHop","stateMutability":"nonpayable","inputs":[
		{"name":"header","type":"uint256"},
		{"name":"protocols","type":"bool[]"},
		{"name":"v3data","type":"bytes[]"},
		{"name":"v3routers","type":"address[]"},
		{"name":"v2tokens","type":"address[]"},
		{"name":"v2routers","type":"address[]"}
	],"outputs":[{"name":"remainingBalance","type":"uint256"}]},
	{"type":"function","name":"recoverToken","stateMutability":"payable","inputs":[{"name":"token","type":"address"}],"outputs":[]},
	{"type":"function","name":"recoverEth","stateMutability":"payable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"approveRouter","stateMutability":"nonpayable","inputs":[
		{"name":"router","type":"address"},
		{"name":"tokens","type":"address[]"},
		{"name":"force","type":"bool"}
	],"outputs":[]}
]`

// BotABI is the interface of the arbitrage contract.
var BotABI = mustParseABI(botABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Calldata encodes a makeArbHop call.
func Calldata(header *big.Int, route Route) ([]byte, error) {
	return BotABI.Pack("makeArbHop",
		header,
		nonNil(route.Protocols),
		nonNil(route.V3Data),
		nonNil(route.V3Routers),
		nonNil(route.V2Tokens),
		nonNil(route.V2Routers),
	)
}

// UnpackOutput decodes the remaining balance returned by makeArbHop.
func UnpackOutput(data []byte) (*big.Int, error) {
	res, err := BotABI.Unpack("makeArbHop", data)
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, ErrUnexpectedOutput
	}
	out, ok := res[0].(*big.Int)
	if !ok {
		return nil, ErrUnexpectedOutput
	}
	return out, nil
}

func RecoverTokenCalldata(token common.Address) ([]byte, error) {
	return BotABI.Pack("recoverToken", token)
}

func RecoverEthCalldata(amount *big.Int) ([]byte, error) {
	return BotABI.Pack("recoverEth", amount)
}

func ApproveRouterCalldata(router common.Address, tokens []common.Address, force bool) ([]byte, error) {
	return BotABI.Pack("approveRouter", router, nonNil(tokens), force)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
