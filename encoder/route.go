package encoder

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
)

const maxFee = 1 << 24

// PathElement is either a token or the fee tier of the pool between two tokens.
type PathElement struct {
	Token common.Address
	Fee   uint32
	IsFee bool
}

func TokenElement(token common.Address) PathElement {
	return PathElement{Token: token}
}

func FeeElement(fee uint32) PathElement {
	return PathElement{Fee: fee, IsFee: true}
}

// Merge removes the duplicate boundary token between consecutive hops:
// A,fee1,B,B,fee2,C becomes A,fee1,B,fee2,C.
func Merge(elems []PathElement) []PathElement {
	res := make([]PathElement, 0, len(elems))
	for _, e := range elems {
		if len(res) > 0 && !e.IsFee {
			last := res[len(res)-1]
			if !last.IsFee && last.Token == e.Token {
				continue
			}
		}
		res = append(res, e)
	}
	return res
}

// Split cuts the sequence wherever a token is directly followed by another token.
func Split(elems []PathElement) [][]PathElement {
	if len(elems) == 0 {
		return nil
	}
	var (
		res [][]PathElement
		buf []PathElement
	)
	for i := 1; i < len(elems); i++ {
		a, b := elems[i-1], elems[i]
		buf = append(buf, a)
		if !a.IsFee && !b.IsFee {
			res = append(res, buf)
			buf = nil
		}
	}
	buf = append(buf, elems[len(elems)-1])
	return append(res, buf)
}

// PackPath serializes a run as 20-byte addresses interleaved with 3-byte big-endian fees.
func PackPath(elems []PathElement) ([]byte, error) {
	out := make([]byte, 0, len(elems)*common.AddressLength)
	for _, e := range elems {
		if e.IsFee {
			if e.Fee >= maxFee {
				return nil, ErrFeeOverflow
			}
			out = append(out, byte(e.Fee>>16), byte(e.Fee>>8), byte(e.Fee))
			continue
		}
		out = append(out, e.Token.Bytes()...)
	}
	return out, nil
}

// Route is the argument set of makeArbHop, minus the header.
type Route struct {
	// Protocols marks each hop group in traversal order: true for a concentrated run,
	// false for a single constant-product hop.
	Protocols []bool
	V3Data    [][]byte
	V3Routers []common.Address
	V2Tokens  []common.Address
	V2Routers []common.Address
}

// EncodeRoute groups consecutive concentrated hops that share a router and a boundary token into
// one packed run. Constant-product hops are emitted one by one as a token pair and a router.
func EncodeRoute(hops []pricegraph.Hop) (Route, error) {
	if len(hops) == 0 {
		return Route{}, ErrEmptyRoute
	}

	var (
		route Route
		// segment holds the merged runs since the last constant-product hop; a run boundary
		// shows as a token directly followed by a token
		segment []PathElement
		run     []PathElement
	)
	flush := func() error {
		segment = append(segment, run...)
		run = nil
		if len(segment) == 0 {
			return nil
		}
		for _, elems := range Split(segment) {
			packed, err := PackPath(elems)
			if err != nil {
				return err
			}
			route.V3Data = append(route.V3Data, packed)
		}
		segment = nil
		return nil
	}

	for i, hop := range hops {
		if !hop.Concentrated {
			if err := flush(); err != nil {
				return Route{}, err
			}
			route.Protocols = append(route.Protocols, false)
			route.V2Tokens = append(route.V2Tokens, hop.TokenIn, hop.TokenOut)
			route.V2Routers = append(route.V2Routers, hop.Router)
			continue
		}

		elems := []PathElement{TokenElement(hop.TokenIn), FeeElement(hop.Fee), TokenElement(hop.TokenOut)}
		if i > 0 && continuesRun(hops[i-1], hop) {
			run = Merge(append(run, elems...))
			continue
		}
		segment = append(segment, run...)
		run = elems
		route.Protocols = append(route.Protocols, true)
		route.V3Routers = append(route.V3Routers, hop.Router)
	}
	if err := flush(); err != nil {
		return Route{}, err
	}
	return route, nil
}

func continuesRun(prev, hop pricegraph.Hop) bool {
	return prev.Concentrated && prev.Router == hop.Router && prev.TokenOut == hop.TokenIn
}
