package billing

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxInclusive(t *testing.T) {
	tests := []struct {
		plan Plan
		want int64
	}{
		{PlanStarter, 108900},
		{PlanProfessional, 328900},
		{PlanEnterprise, 658900},
	}

	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			info, ok := LookupPlan(tt.plan)
			require.True(t, ok)
			assert.Equal(t, tt.want, TaxInclusive(info.Price))
			assert.Equal(t, int64(math.Round(float64(info.Price)*1.10)), TaxInclusive(info.Price))
		})
	}
}

func TestTax_RoundsHalfUp(t *testing.T) {
	assert.Equal(t, int64(2), Tax(15))
	assert.Equal(t, int64(1), Tax(14))
	assert.Equal(t, int64(0), Tax(4))
	assert.Equal(t, int64(1), Tax(5))
}

func TestResolveCharge_UnknownPlanFallsBack(t *testing.T) {
	info, amount, fellBack, err := ResolveCharge("platinum", false)
	require.NoError(t, err)
	assert.True(t, fellBack)
	assert.Equal(t, PlanProfessional, info.Code)
	assert.Equal(t, int64(328900), amount)
}

func TestResolveCharge_StrictRejectsUnknownPlan(t *testing.T) {
	_, _, _, err := ResolveCharge("platinum", true)
	assert.True(t, errors.Is(err, ErrUnknownPlan))

	info, amount, fellBack, err := ResolveCharge(PlanStarter, true)
	require.NoError(t, err)
	assert.False(t, fellBack)
	assert.Equal(t, "Starter", info.Name)
	assert.Equal(t, int64(108900), amount)
}

func TestOrderName(t *testing.T) {
	info, _ := LookupPlan(PlanEnterprise)
	assert.Equal(t, "ESG Insight Enterprise monthly subscription", OrderName("ESG Insight", info))
}
