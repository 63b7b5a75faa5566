package pricing

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type fileFormat struct {
	ProfitMargin *float64                `yaml:"profit_margin"`
	Models       map[string]modelPricing `yaml:"models"`
}

type modelPricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// LoadFile reads a YAML pricing file. Environment variables in the form
// ${VAR} are expanded first. When the file sets no profit_margin the
// fallback margin is used.
//
//	profit_margin: 0.30
//	models:
//	  gpt-4o:
//	    input_per_million: 15
//	    output_per_million: 60
func LoadFile(path string, fallbackMargin decimal.Decimal) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))), fallbackMargin)
}

// Parse builds a Table from YAML bytes.
func Parse(data []byte, fallbackMargin decimal.Decimal) (*Table, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pricing: parse file: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("pricing: file defines no models")
	}

	margin := fallbackMargin
	if f.ProfitMargin != nil {
		if *f.ProfitMargin < 0 {
			return nil, fmt.Errorf("pricing: profit_margin must not be negative")
		}
		margin = decimal.NewFromFloat(*f.ProfitMargin)
	}

	prices := make(map[string]Price, len(f.Models))
	seen := make(map[string]string, len(f.Models))
	for model, mp := range f.Models {
		if model == "" {
			return nil, fmt.Errorf("pricing: empty model name")
		}
		if mp.InputPerMillion < 0 || mp.OutputPerMillion < 0 {
			return nil, fmt.Errorf("pricing: model %q: prices must not be negative", model)
		}
		key := normalize(model)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("pricing: models %q and %q differ only by case", prev, model)
		}
		seen[key] = model
		prices[model] = Price{
			InputPerMillion:  decimal.NewFromFloat(mp.InputPerMillion),
			OutputPerMillion: decimal.NewFromFloat(mp.OutputPerMillion),
		}
	}

	return NewTable(prices, margin), nil
}
