// Package cost attributes spend to oracle calls and paid provider requests.
package cost

// Rates holds pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate    `yaml:"anthropic" mapstructure:"anthropic"`
	Providers map[string]ProviderRate `yaml:"providers" mapstructure:"providers"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ProviderRate is the flat price of one upstream content API request.
type ProviderRate struct {
	PerCall float64 `yaml:"per_call" mapstructure:"per_call"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call. Unknown models cost 0.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// ProviderCall returns the flat cost of one request to the named provider.
func (c *Calculator) ProviderCall(provider string) float64 {
	return c.rates.Providers[provider].PerCall
}

// DefaultRates returns the default pricing rates. Free-tier providers are
// omitted and cost nothing.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Providers: map[string]ProviderRate{},
	}
}
