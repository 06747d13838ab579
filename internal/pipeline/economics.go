package pipeline

import (
	"math"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

// EconomicsConfig holds the pricing inputs of the economics stage.
type EconomicsConfig struct {
	// CostPerMillionTokens is the judgment price in USD.
	CostPerMillionTokens float64

	// EstimatedTokensPerRun is charged when no usage was recorded.
	EstimatedTokensPerRun int

	// PlatformFee is charged on every run.
	PlatformFee float64

	// FeeMultiplier adds a share of the compute cost to the platform fee.
	FeeMultiplier float64
}

// DefaultEconomicsConfig returns the standard pricing.
func DefaultEconomicsConfig() EconomicsConfig {
	return EconomicsConfig{
		CostPerMillionTokens:  0.15,
		EstimatedTokensPerRun: 1500,
		PlatformFee:           0.01,
	}
}

// EconomicsInput is everything the economics stage depends on.
type EconomicsInput struct {
	// Price is the value at stake in the intent.
	Price float64

	Verdict domain.Verdict

	// Usage is the token usage of the audit and drafting calls.
	Usage domain.Usage

	// Hour is the hour of day attributed to the intent.
	Hour int
}

// ComputeEconomics derives the run's economics. It is a pure function of
// its arguments.
func ComputeEconomics(cfg EconomicsConfig, in EconomicsInput) domain.Economics {
	tokens := in.Usage.TotalTokens
	if tokens <= 0 {
		tokens = in.Usage.PromptTokens + in.Usage.CompletionTokens
	}
	if tokens <= 0 {
		tokens = cfg.EstimatedTokensPerRun
	}

	cost := round(float64(tokens)/1_000_000*cfg.CostPerMillionTokens, 6)

	saved := 0.0
	if !in.Verdict.IsSafe && in.Price > 0 && !math.IsInf(in.Price, 0) {
		saved = round(in.Price, 2)
	}

	hour := in.Hour % 24
	if hour < 0 {
		hour += 24
	}

	return domain.Economics{
		ComputeCost: cost,
		MoneySaved:  saved,
		PlatformFee: round(cfg.PlatformFee+cost*cfg.FeeMultiplier, 6),
		HourOfDay:   hour,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
