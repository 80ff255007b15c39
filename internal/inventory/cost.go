package inventory

import "github.com/shopspring/decimal"

// WeightedAverage blends an inbound quantity into the running average cost:
//
//	avg' = (qty*avg + inQty*inCost) / (qty + inQty)
//
// When the resulting quantity is not positive the inbound cost is taken as is.
func WeightedAverage(qty, avg, inQty, inCost decimal.Decimal) decimal.Decimal {
	total := qty.Add(inQty)
	if !total.IsPositive() {
		return inCost.Round(CostScale)
	}
	return qty.Mul(avg).Add(inQty.Mul(inCost)).Div(total).Round(CostScale)
}
