// Package rewards implements the waitlist reward tier engine. Everything in
// this package is a pure function of verified referral counts so outcomes can
// be re-derived at any time without hidden state.
package rewards

import "github.com/meridianos/meridian/internal/models"

// Position boosts granted by the first two tiers. Boosts stack only through
// silver; gold and above grant non-positional perks and never move the queue
// position further.
const (
	BronzeBoost = 100
	SilverBoost = 500
)

// tierThreshold maps a verified-referral breakpoint to its tier, in
// descending order for first-match lookup.
type tierThreshold struct {
	verified int
	tier     string
}

var thresholds = []tierThreshold{
	{50, models.TierLegendary},
	{25, models.TierDiamond},
	{10, models.TierPlatinum},
	{5, models.TierGold},
	{3, models.TierSilver},
	{1, models.TierBronze},
}

// Perks unlocked at each tier, used by status responses and reward emails.
var tierPerks = map[string][]string{
	models.TierBronze:    {"+100 waitlist spots"},
	models.TierSilver:    {"+500 waitlist spots", "supporter badge"},
	models.TierGold:      {"exclusive badge", "community shoutout"},
	models.TierPlatinum:  {"fast-track access"},
	models.TierDiamond:   {"1 free month of Pro"},
	models.TierLegendary: {"3 free months of Pro", "founding member badge"},
}

// TierForCount returns the reward tier earned by the given number of verified
// referrals. It is monotonically non-decreasing in its argument.
func TierForCount(verified int) string {
	for _, t := range thresholds {
		if verified >= t.verified {
			return t.tier
		}
	}
	return models.TierNone
}

// PositionBoost returns the total queue boost for a verified-referral count.
// Only bronze and silver contribute; the boost saturates at bronze+silver.
func PositionBoost(verified int) int {
	boost := 0
	if verified >= 1 {
		boost += BronzeBoost
	}
	if verified >= 3 {
		boost += SilverBoost
	}
	return boost
}

// Perks lists the perks unlocked at the given tier.
func Perks(tier string) []string {
	return tierPerks[tier]
}

// Outcome describes the referrer-side state after one of their referred
// signups verifies.
type Outcome struct {
	VerifiedReferrals int
	Tier              string
	CurrentPosition   int
}

// ApplyVerification computes the referrer's counters after one additional
// verified referral. originalPosition is immutable; the returned position is
// originalPosition minus the stacked boost, floored at 1.
func ApplyVerification(originalPosition, verifiedReferrals int) Outcome {
	verified := verifiedReferrals + 1
	position := originalPosition - PositionBoost(verified)
	if position < 1 {
		position = 1
	}
	return Outcome{
		VerifiedReferrals: verified,
		Tier:              TierForCount(verified),
		CurrentPosition:   position,
	}
}
