// Package catalog maps subscription tiers to concrete model identifiers and
// holds the static per-model price table. Both tables are process-wide
// constants, safe for unsynchronized concurrent reads.
package catalog

// Tiers recognized by the platform, lowest to highest.
const (
	TierFree       = "free"
	TierBasic      = "basic"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

// Model identifiers used by the gateway.
const (
	ModelHaiku      = "claude-haiku-4-5"
	ModelSonnet     = "claude-sonnet-4-5"
	ModelGPT4oMini  = "gpt-4o-mini"
	ModelGPT4o      = "gpt-4o"
)

// textModels and visionModels map tier to the model used for text-only and
// image-bearing requests respectively. Every tier listed here must appear in
// both tables.
var textModels = map[string]string{
	TierFree:       ModelHaiku,
	TierBasic:      ModelHaiku,
	TierPremium:    ModelSonnet,
	TierEnterprise: ModelSonnet,
}

var visionModels = map[string]string{
	TierFree:       ModelHaiku,
	TierBasic:      ModelSonnet,
	TierPremium:    ModelSonnet,
	TierEnterprise: ModelSonnet,
}

// Select returns the model for a tier. It is total: unrecognized tiers get
// the free-tier model rather than an error.
func Select(tier string, hasImages bool) string {
	table := textModels
	if hasImages {
		table = visionModels
	}
	if m, ok := table[tier]; ok {
		return m
	}
	return table[TierFree]
}

// FallbackModel returns the OpenAI model used when the primary provider is
// unavailable. Image-bearing requests need the full vision model.
func FallbackModel(tier string, hasImages bool) string {
	if hasImages || tier == TierPremium || tier == TierEnterprise {
		return ModelGPT4o
	}
	return ModelGPT4oMini
}

// Pricing holds USD rates per million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

var priceTable = map[string]Pricing{
	ModelHaiku:     {InputPerMTok: 1, OutputPerMTok: 5},
	ModelSonnet:    {InputPerMTok: 3, OutputPerMTok: 15},
	ModelGPT4oMini: {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	ModelGPT4o:     {InputPerMTok: 2.5, OutputPerMTok: 10},
}

// Cost computes the exact request cost from token counts. Unknown models cost
// zero; a missing price row must never fail a request that already succeeded.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := priceTable[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMTok +
		float64(outputTokens)/1_000_000*p.OutputPerMTok
}
