package cost

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelPrice holds USD prices per million tokens for one model.
type ModelPrice struct {
	InputUSDPerMillion       float64 `yaml:"input_usd_per_million"`
	OutputUSDPerMillion      float64 `yaml:"output_usd_per_million"`
	CacheCreateUSDPerMillion float64 `yaml:"cache_create_usd_per_million"`
	CacheReadUSDPerMillion   float64 `yaml:"cache_read_usd_per_million"`
}

// CostUSD computes the USD cost of one token delta at this price.
func (p ModelPrice) CostUSD(d TokenDelta) float64 {
	return float64(d.Input)*p.InputUSDPerMillion/1e6 +
		float64(d.Output)*p.OutputUSDPerMillion/1e6 +
		float64(d.CacheCreate)*p.CacheCreateUSDPerMillion/1e6 +
		float64(d.CacheRead)*p.CacheReadUSDPerMillion/1e6
}

// PriceTable maps model identifiers to prices. Lookup falls back from an
// exact match to the longest matching prefix, so a dated release like
// "claude-3-5-haiku-20241022" resolves against a "claude-3-5-haiku" row.
type PriceTable struct {
	Models  map[string]ModelPrice `yaml:"models"`
	Default *ModelPrice           `yaml:"default"`
}

// LoadPrices reads a price table from a YAML file.
func LoadPrices(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	var t PriceTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	return &t, nil
}

// DefaultPrices returns a built-in table covering the model families the
// service calls out of the box, so boot does not require a models.yaml.
func DefaultPrices() *PriceTable {
	return &PriceTable{
		Models: map[string]ModelPrice{
			"claude-3-5-haiku": {
				InputUSDPerMillion:       0.80,
				OutputUSDPerMillion:      4.00,
				CacheCreateUSDPerMillion: 1.00,
				CacheReadUSDPerMillion:   0.08,
			},
			"claude-sonnet-4": {
				InputUSDPerMillion:       3.00,
				OutputUSDPerMillion:      15.00,
				CacheCreateUSDPerMillion: 3.75,
				CacheReadUSDPerMillion:   0.30,
			},
			"claude-opus-4": {
				InputUSDPerMillion:       15.00,
				OutputUSDPerMillion:      75.00,
				CacheCreateUSDPerMillion: 18.75,
				CacheReadUSDPerMillion:   1.50,
			},
		},
		Default: &ModelPrice{
			InputUSDPerMillion:       3.00,
			OutputUSDPerMillion:      15.00,
			CacheCreateUSDPerMillion: 3.75,
			CacheReadUSDPerMillion:   0.30,
		},
	}
}

// PriceFor resolves the price for a model identifier. It returns ok=false
// only when the model matches nothing and no default entry exists.
func (t *PriceTable) PriceFor(model string) (ModelPrice, bool) {
	if t == nil {
		return ModelPrice{}, false
	}
	if p, ok := t.Models[model]; ok {
		return p, true
	}
	best := ModelPrice{}
	bestLen := -1
	for name, p := range t.Models {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best = p
			bestLen = len(name)
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	if t.Default != nil {
		return *t.Default, true
	}
	return ModelPrice{}, false
}
