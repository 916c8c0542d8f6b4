package core

import (
	"github.com/shopspring/decimal"
)

const monetaryPrecision int32 = 4 // 4 decimal places for ticket prices (0.0001 precision)

// MeetsReserve returns true if the bid amount meets or exceeds the reserve
// price. Amounts are rounded to monetaryPrecision before comparison so that
// encoding artifacts below a hundredth of a cent never decide an auction.
func MeetsReserve(amount, reserve decimal.Decimal) bool {
	return amount.Round(monetaryPrecision).GreaterThanOrEqual(reserve.Round(monetaryPrecision))
}

// EnforceReserve filters bids against the auction's reserve price.
// Returns qualifying bids and the IDs of rejected bids.
// A zero reserve passes every bid.
func EnforceReserve(bids []PlainBid, reserve decimal.Decimal) (eligible []PlainBid, rejectedIDs []string) {
	eligibleBids := make([]PlainBid, 0, len(bids))
	rejectedBidIDs := make([]string, 0)

	for _, bid := range bids {
		if MeetsReserve(bid.Amount, reserve) {
			eligibleBids = append(eligibleBids, bid)
		} else {
			rejectedBidIDs = append(rejectedBidIDs, bid.ID)
		}
	}

	return eligibleBids, rejectedBidIDs
}
