package market

import (
	"slices"

	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/shopspring/decimal"
)

// walkResult is the outcome of validating one candidate clearing price.
type walkResult struct {
	valid    bool
	admitted []*entity.Bid

	// blocker is the bid that ended the walk because it could not fit, if any.
	blocker *entity.Bid
}

// validatePrice walks bids, which must be in admission order, against candidate price p and the given capacity.
//
// A bid priced below p ends the walk successfully. A bid priced at or above p is admitted if it fits in the remaining
// capacity. The first bid priced at or above p that does not fit ends the walk: if its price exceeds p, then demand
// at p exceeds capacity and p is not a valid clearing price. If its price equals p, the bid is simply excluded.
//
// A bid needing more instances than the capacity takes part in the walk like any other. Bids that could never fit the
// pool are rejected on submission instead.
func validatePrice(ordered []*entity.Bid, p decimal.Decimal, minimumPrice decimal.Decimal, capacity int) walkResult {
	if p.LessThan(minimumPrice) {
		return walkResult{}
	}

	remaining := capacity
	admitted := make([]*entity.Bid, 0, len(ordered))

	for _, bid := range ordered {
		if bid.MaxBid.LessThan(p) {
			break
		}

		if bid.NeededInstances <= remaining {
			admitted = append(admitted, bid)
			remaining -= bid.NeededInstances
			continue
		}

		if bid.MaxBid.GreaterThan(p) {
			return walkResult{valid: false, admitted: admitted, blocker: bid}
		}

		return walkResult{valid: true, admitted: admitted, blocker: bid}
	}

	return walkResult{valid: true, admitted: admitted}
}

// candidatePrices returns the minimum price followed by every distinct bid price above it, in ascending order.
func candidatePrices(ordered []*entity.Bid, minimumPrice decimal.Decimal) []decimal.Decimal {
	candidates := []decimal.Decimal{minimumPrice}

	for _, bid := range ordered {
		if bid.MaxBid.GreaterThan(minimumPrice) {
			candidates = append(candidates, bid.MaxBid)
		}
	}

	slices.SortFunc(candidates, func(a, b decimal.Decimal) int {
		return a.Cmp(b)
	})

	return slices.CompactFunc(candidates, func(a, b decimal.Decimal) bool {
		return a.Equal(b)
	})
}

// clearingPrice returns the lowest candidate price that validates, along with the bids admitted at that price.
// The second return value is false only if no candidate validates.
func clearingPrice(ordered []*entity.Bid, minimumPrice decimal.Decimal, capacity int) (decimal.Decimal, walkResult, bool) {
	for _, candidate := range candidatePrices(ordered, minimumPrice) {
		result := validatePrice(ordered, candidate, minimumPrice, capacity)
		if result.valid {
			return candidate, result, true
		}
	}

	return decimal.Zero, walkResult{}, false
}
