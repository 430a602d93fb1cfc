package billing

import "fmt"

// Plan is a subscription tier code
type Plan string

const (
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// FallbackPlan is charged when a subscription carries an unknown plan code
// and strict plan checking is off.
const FallbackPlan = PlanProfessional

// PlanInfo describes a plan's display name and monthly price in KRW
type PlanInfo struct {
	Code  Plan
	Name  string
	Price int64
}

var plans = map[Plan]PlanInfo{
	PlanStarter:      {Code: PlanStarter, Name: "Starter", Price: 99000},
	PlanProfessional: {Code: PlanProfessional, Name: "Professional", Price: 299000},
	PlanEnterprise:   {Code: PlanEnterprise, Name: "Enterprise", Price: 599000},
}

// LookupPlan returns the plan definition for a code
func LookupPlan(code Plan) (PlanInfo, bool) {
	info, ok := plans[code]
	return info, ok
}

// Plans returns all purchasable plans
func Plans() []PlanInfo {
	return []PlanInfo{plans[PlanStarter], plans[PlanProfessional], plans[PlanEnterprise]}
}

// Tax returns 10% of price rounded half up
func Tax(price int64) int64 {
	return (price + 5) / 10
}

// TaxInclusive returns the amount actually charged for a plan price
func TaxInclusive(price int64) int64 {
	return price + Tax(price)
}

// ResolveCharge returns the plan to bill and the tax-inclusive amount.
// Unknown plans resolve to FallbackPlan unless strict is set.
func ResolveCharge(code Plan, strict bool) (info PlanInfo, amount int64, fellBack bool, err error) {
	info, ok := LookupPlan(code)
	if !ok {
		if strict {
			return PlanInfo{}, 0, false, fmt.Errorf("%w: %q", ErrUnknownPlan, code)
		}
		info = plans[FallbackPlan]
		fellBack = true
	}
	return info, TaxInclusive(info.Price), fellBack, nil
}

// OrderName is the human readable order title sent to the gateway
func OrderName(product string, info PlanInfo) string {
	return fmt.Sprintf("%s %s monthly subscription", product, info.Name)
}
