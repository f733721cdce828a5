package rewards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianos/meridian/internal/models"
)

func TestTierForCountBreakpoints(t *testing.T) {
	cases := map[int]string{
		0:   models.TierNone,
		1:   models.TierBronze,
		2:   models.TierBronze,
		3:   models.TierSilver,
		4:   models.TierSilver,
		5:   models.TierGold,
		9:   models.TierGold,
		10:  models.TierPlatinum,
		25:  models.TierDiamond,
		49:  models.TierDiamond,
		50:  models.TierLegendary,
		500: models.TierLegendary,
	}

	for verified, want := range cases {
		assert.Equal(t, want, TierForCount(verified), "verified=%d", verified)
	}
}

func TestTierForCountIsMonotonic(t *testing.T) {
	rank := map[string]int{
		models.TierNone:      0,
		models.TierBronze:    1,
		models.TierSilver:    2,
		models.TierGold:      3,
		models.TierPlatinum:  4,
		models.TierDiamond:   5,
		models.TierLegendary: 6,
	}

	previous := rank[TierForCount(0)]
	for verified := 1; verified <= 60; verified++ {
		current := rank[TierForCount(verified)]
		require.GreaterOrEqual(t, current, previous, "tier regressed at verified=%d", verified)
		previous = current
	}
}

func TestPositionBoostStacksOnlyThroughSilver(t *testing.T) {
	assert.Equal(t, 0, PositionBoost(0))
	assert.Equal(t, 100, PositionBoost(1))
	assert.Equal(t, 100, PositionBoost(2))
	assert.Equal(t, 600, PositionBoost(3))

	// Gold and above grant perks, never additional position.
	for _, verified := range []int{5, 10, 25, 50, 100} {
		assert.Equal(t, 600, PositionBoost(verified), "verified=%d", verified)
	}
}

func TestApplyVerification(t *testing.T) {
	out := ApplyVerification(1000, 0)
	assert.Equal(t, 1, out.VerifiedReferrals)
	assert.Equal(t, models.TierBronze, out.Tier)
	assert.Equal(t, 900, out.CurrentPosition)

	out = ApplyVerification(1000, 2)
	assert.Equal(t, 3, out.VerifiedReferrals)
	assert.Equal(t, models.TierSilver, out.Tier)
	assert.Equal(t, 400, out.CurrentPosition)
}

func TestApplyVerificationFloorsAtOne(t *testing.T) {
	out := ApplyVerification(50, 2)
	assert.Equal(t, 1, out.CurrentPosition)
}

func TestPerks(t *testing.T) {
	assert.Empty(t, Perks(models.TierNone))
	assert.NotEmpty(t, Perks(models.TierLegendary))
}
