// Package marketstate keeps the venue snapshots of the market in sync with the chain: it loads
// venue families from config, restores them from checkpoints, refreshes their state on every
// block and streams new block events.
package marketstate

import (
	"errors"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidFamily = errors.New("invalid venue family specification")
	ErrNoFamilies    = errors.New("no enabled venue families")
)

// Family is a set of venues of the same kind that trade through one router, for example all
// pools of one AMM deployment.
type Family struct {
	Name       string               `yaml:"name"`
	Kind       pricegraph.VenueKind `yaml:"kind"`
	Router     common.Address       `yaml:"router"`
	Checkpoint string               `yaml:"checkpoint"`
	Venues     []common.Address     `yaml:"venues"`
	Disabled   bool                 `yaml:"disabled"`
}

type FamiliesConfig struct {
	Families []Family `yaml:"families"`
}

// LoadFamilies parses venue families from a file
func LoadFamilies(file string) ([]Family, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseFamilies(data)
}

// ParseFamilies returns the enabled families of a yaml config.
func ParseFamilies(data []byte) ([]Family, error) {
	var config FamiliesConfig
	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	families := make([]Family, 0, len(config.Families))
	seen := make(map[string]struct{})
	for _, family := range config.Families {
		if family.Disabled {
			continue
		}
		if family.Name == "" || family.Router == (common.Address{}) {
			return nil, ErrInvalidFamily
		}
		if family.Checkpoint == "" {
			family.Checkpoint = family.Name
		}
		if _, ok := seen[family.Checkpoint]; ok {
			return nil, ErrInvalidFamily
		}
		seen[family.Checkpoint] = struct{}{}
		families = append(families, family)
	}
	if len(families) == 0 {
		return nil, ErrNoFamilies
	}
	return families, nil
}

// VenueCount returns the number of venues over all families.
func VenueCount(families []Family) int {
	n := 0
	for _, f := range families {
		n += len(f.Venues)
	}
	return n
}
