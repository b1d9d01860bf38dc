// Package cost turns a route's raw execution signal (stdout token reporting,
// or a length-based fallback) into the USD figure that feeds a ticket's
// `cost` field, the policy engine's `cumulative_cost` context variable, and
// PERF-002's cost bound.
package cost

import (
	"regexp"
	"strconv"
)

// TokenUsage represents input and output token counts for one execution.
type TokenUsage struct {
	Input  int
	Output int
}

var (
	// Some tools report combined usage on one line at the end of output.
	tokenRe = regexp.MustCompile(`Tokens: (\d+) input, (\d+) output`)
	// Others report input/output separately.
	inputRe  = regexp.MustCompile(`Input tokens: (\d+)`)
	outputRe = regexp.MustCompile(`Output tokens: (\d+)`)
)

// ExtractTokenUsage attempts to parse token counts from a route's stdout.
// Falls back to a length-based estimate (~4 chars/token) for either side
// that didn't parse, since the sandbox contract does not guarantee any
// particular tool reports usage at all.
func ExtractTokenUsage(stdout string, inputText string) TokenUsage {
	usage := TokenUsage{}

	if m := tokenRe.FindStringSubmatch(stdout); len(m) == 3 {
		usage.Input, _ = strconv.Atoi(m[1])
		usage.Output, _ = strconv.Atoi(m[2])
	} else {
		if m := inputRe.FindStringSubmatch(stdout); len(m) == 2 {
			usage.Input, _ = strconv.Atoi(m[1])
		}
		if m := outputRe.FindStringSubmatch(stdout); len(m) == 2 {
			usage.Output, _ = strconv.Atoi(m[1])
		}
	}

	if usage.Input == 0 {
		usage.Input = estimateTokens(inputText)
	}
	if usage.Output == 0 {
		usage.Output = estimateTokens(stdout)
	}

	return usage
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// CalculateCost prices token usage in USD at the given per-million-token rates.
func CalculateCost(usage TokenUsage, inputPriceMtok, outputPriceMtok float64) float64 {
	inputCost := (float64(usage.Input) / 1000000.0) * inputPriceMtok
	outputCost := (float64(usage.Output) / 1000000.0) * outputPriceMtok
	return inputCost + outputCost
}

// Pricing is the per-Mtok rate pair a route's cost_weight resolves to.
// cost_weight is a dimensionless multiplier: it scales a baseline rate
// rather than encoding an absolute price, since the core has no
// knowledge of which concrete model or vendor backs a route.
type Pricing struct {
	InputPerMtok  float64
	OutputPerMtok float64
}

// DefaultBaselinePricing is the reference rate a cost_weight of 1.0 scales.
func DefaultBaselinePricing() Pricing {
	return Pricing{InputPerMtok: 3.0, OutputPerMtok: 15.0}
}

// EstimateTicketCost derives a ticket's cost from the route's declared
// cost_weight and the execution's stdout/inputs, used in place of a
// latency-only proxy whenever the backend's output carries token-usage
// text.
func EstimateTicketCost(costWeight float64, stdout, inputText string) float64 {
	if costWeight <= 0 {
		costWeight = 1
	}
	base := DefaultBaselinePricing()
	usage := ExtractTokenUsage(stdout, inputText)
	return CalculateCost(usage, base.InputPerMtok*costWeight, base.OutputPerMtok*costWeight)
}
