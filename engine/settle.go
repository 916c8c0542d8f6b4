package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloudx-io/blindticket/bridge"
	"github.com/cloudx-io/blindticket/core"
	"github.com/cloudx-io/blindticket/keyring"
	"github.com/cloudx-io/blindticket/store"
)

// Settle computes or returns the settlement result for an auction.
//
// For an auction already settled this is the idempotent re-query path: the
// stored record is returned unchanged, no bid is decrypted again, and an
// un-acked bridge finalize is retried. For an auction in closing (the caller
// won the sweep's compare-and-set, or a previous settlement attempt hit a
// fatal error), the computation runs: decrypt every bid, disqualify
// individual failures, enforce the reserve, rank, and record the result
// atomically with the closing → settled transition.
func (e *Engine) Settle(ctx context.Context, auctionID string) (store.SettlementRecord, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return store.SettlementRecord{}, err
	}

	switch a.Status {
	case store.StatusSettled:
		rec, err := e.store.GetSettlement(ctx, auctionID)
		if err != nil {
			return store.SettlementRecord{}, err
		}
		if rec.FinalizedAt == nil {
			if err := e.finalize(ctx, &rec); err != nil {
				return rec, err
			}
		}
		return rec, nil
	case store.StatusClosing:
		return e.settleClosing(ctx, a)
	default:
		return store.SettlementRecord{}, store.ErrTransitionConflict
	}
}

func (e *Engine) settleClosing(ctx context.Context, a store.Auction) (store.SettlementRecord, error) {
	// A ledger read failure is fatal to this attempt: the auction stays in
	// closing and the next sweep retries.
	bids, err := e.store.ListBids(ctx, a.ID)
	if err != nil {
		return store.SettlementRecord{}, err
	}

	plain, excluded := e.decryptBids(a.ID, bids)

	rec := store.SettlementRecord{
		AuctionID: a.ID,
		Excluded:  excluded,
		SettledAt: e.clock.Now(),
	}

	switch {
	case len(bids) == 0:
		rec.Outcome = store.OutcomeNoBids
	case len(plain) == 0:
		rec.Outcome = store.OutcomeNoValidBids
	default:
		sel := core.SelectWinner(plain, a.ReservePrice)
		rec.ReserveRejected = sel.ReserveRejectedIDs
		if sel.Winner != nil {
			winnerID := sel.Winner.ID
			price := sel.Winner.Amount
			rec.Outcome = store.OutcomeSold
			rec.WinningBidID = &winnerID
			rec.ClearingPrice = &price
		} else {
			rec.Outcome = store.OutcomeReserveNotMet
		}
	}

	if err := e.store.RecordSettlement(ctx, &rec); err != nil {
		if errors.Is(err, store.ErrTransitionConflict) {
			// Another caller recorded first; theirs is authoritative.
			return e.store.GetSettlement(ctx, a.ID)
		}
		return store.SettlementRecord{}, err
	}

	e.logger.Info("auction settled",
		zap.String("auction_id", a.ID),
		zap.String("outcome", string(rec.Outcome)),
		zap.Int("bids", len(bids)),
		zap.Int("excluded", len(rec.Excluded)),
		zap.Int("below_reserve", len(rec.ReserveRejected)),
	)

	if err := e.finalize(ctx, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// decryptBids opens every sealed bid through the key capability. A failure
// disqualifies only that bid; the exclusion is recorded for audit and
// settlement proceeds over the rest.
func (e *Engine) decryptBids(auctionID string, bids []store.Bid) ([]core.PlainBid, []store.ExcludedBid) {
	plain := make([]core.PlainBid, 0, len(bids))
	excluded := make([]store.ExcludedBid, 0)

	for _, bid := range bids {
		amount, err := e.keys.Decrypt(bid.Sealed)
		if err != nil {
			reason := store.ReasonDecryptionFailed
			if errors.Is(err, keyring.ErrMalformedPayload) {
				reason = store.ReasonMalformedPayload
			}
			e.logger.Warn("bid disqualified",
				zap.String("auction_id", auctionID),
				zap.String("bid_id", bid.ID),
				zap.String("reason", reason),
			)
			excluded = append(excluded, store.ExcludedBid{BidID: bid.ID, Reason: reason})
			continue
		}

		plain = append(plain, core.PlainBid{
			ID:          bid.ID,
			Bidder:      bid.Bidder,
			Amount:      amount,
			SubmittedAt: bid.SubmittedAt,
		})
	}

	return plain, excluded
}

// finalize hands the result to ticket issuance and stamps the ack. The
// settlement record already stands; a bridge failure is surfaced as
// ErrBridgeFinalizeFailed so the caller retries the finalize alone.
// The bridge call precedes the ack stamp, so concurrent retries of an
// un-acked settlement can each deliver the command: issuance must treat
// finalize as idempotent per auction.
func (e *Engine) finalize(ctx context.Context, rec *store.SettlementRecord) error {
	err := e.bridge.Finalize(ctx, bridge.Finalization{
		AuctionID:     rec.AuctionID,
		Outcome:       rec.Outcome,
		WinningBidID:  rec.WinningBidID,
		ClearingPrice: rec.ClearingPrice,
	})
	if err != nil {
		e.logger.Warn("finalize failed, settlement record stands",
			zap.String("auction_id", rec.AuctionID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrBridgeFinalizeFailed, err)
	}

	now := e.clock.Now()
	if _, err := e.store.MarkFinalized(ctx, rec.AuctionID, now); err != nil {
		// The bridge acked; failing here would cause a duplicate finalize on
		// retry. Log and move on.
		e.logger.Warn("failed to stamp finalize ack",
			zap.String("auction_id", rec.AuctionID),
			zap.Error(err),
		)
		return nil
	}
	rec.FinalizedAt = &now
	return nil
}
