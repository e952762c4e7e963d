package pricegraph

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// AllowList is the set of venue addresses allowed into the graph.
type AllowList map[common.Address]struct{}

func NewAllowList(addrs ...common.Address) AllowList {
	list := make(AllowList, len(addrs))
	for _, a := range addrs {
		list[a] = struct{}{}
	}
	return list
}

func (a AllowList) Contains(addr common.Address) bool {
	_, ok := a[addr]
	return ok
}

// LoadAllowList reads a newline delimited list of addresses. Lines that are not addresses are
// skipped. An unreadable file yields an empty list, so no venue passes the filter.
func LoadAllowList(log *zap.Logger, path string) AllowList {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("Unable to read allow-list, no venue will be eligible", zap.String("path", path), zap.Error(err))
		return AllowList{}
	}
	return ParseAllowList(log, data)
}

func ParseAllowList(log *zap.Logger, data []byte) AllowList {
	list := AllowList{}
	skipped := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !common.IsHexAddress(line) {
			skipped++
			continue
		}
		list[common.HexToAddress(line)] = struct{}{}
	}
	log.Info("Loaded allow-list", zap.Int("entries", len(list)), zap.Int("skipped", skipped))
	return list
}
