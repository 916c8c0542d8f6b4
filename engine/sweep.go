package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cloudx-io/blindticket/store"
)

// SweepOutcome classifies what the sweep did with one overdue auction.
type SweepOutcome string

const (
	// SweepClosed: this invocation settled the auction, either by winning the
	// transition or by retrying one stranded in closing.
	SweepClosed SweepOutcome = "closed"
	// SweepSkipped: another invocation already holds (or held) the
	// transition; nothing to do here.
	SweepSkipped SweepOutcome = "skipped-already-closing"
	// SweepErrored: this auction failed; it stays in closing (or active) and
	// a later sweep retries. Other auctions in the same scan are unaffected.
	SweepErrored SweepOutcome = "error"
)

// SweepResult is the per-auction report entry.
type SweepResult struct {
	AuctionID     string           `json:"auction_id"`
	Outcome       SweepOutcome     `json:"outcome"`
	WinningBidID  *string          `json:"winning_bid_id,omitempty"`
	ClearingPrice *decimal.Decimal `json:"clearing_price,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// SweepReport is the overall result of one trigger invocation.
type SweepReport struct {
	ScannedAt time.Time     `json:"scanned_at"`
	Results   []SweepResult `json:"results"`
}

// Sweep is the closing trigger. It is invoked by an external periodic caller
// at arbitrary cadence, including concurrently with itself; safety comes from
// the per-auction compare-and-set, not from call deduplication. Every overdue
// active auction is transitioned exactly once, and only the invocation that
// wins the transition runs settlement. Overdue auctions already in closing
// (a previous attempt hit a fatal error after winning the transition) are
// settled directly; the record write's own compare-and-set keeps that path
// single-winner. Per-auction failures are isolated; the error return is
// reserved for total failure to scan.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	now := e.clock.Now()

	due, err := e.store.ListDueAuctions(ctx, now)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{
		ScannedAt: now,
		Results:   make([]SweepResult, 0, len(due)),
	}

	for _, a := range due {
		if !e.beginSettle(a.ID) {
			report.Results = append(report.Results, SweepResult{
				AuctionID: a.ID,
				Outcome:   SweepSkipped,
			})
			continue
		}

		// An auction already in closing was won by an earlier invocation whose
		// settlement hit a fatal error; retry it without the transition. The
		// status is re-read under the claim: the scan may have observed a
		// settlement that was mid-flight and has since completed.
		if a.Status == store.StatusClosing {
			cur, err := e.store.GetAuction(ctx, a.ID)
			if err != nil {
				e.endSettle(a.ID)
				report.Results = append(report.Results, SweepResult{
					AuctionID: a.ID,
					Outcome:   SweepErrored,
					Error:     err.Error(),
				})
				continue
			}
			if cur.Status != store.StatusClosing {
				e.endSettle(a.ID)
				report.Results = append(report.Results, SweepResult{
					AuctionID: a.ID,
					Outcome:   SweepSkipped,
				})
				continue
			}
		} else {
			won, err := e.store.CompareAndSwapStatus(ctx, a.ID, store.StatusActive, store.StatusClosing)
			if err != nil {
				e.endSettle(a.ID)
				report.Results = append(report.Results, SweepResult{
					AuctionID: a.ID,
					Outcome:   SweepErrored,
					Error:     err.Error(),
				})
				continue
			}
			if !won {
				e.endSettle(a.ID)
				report.Results = append(report.Results, SweepResult{
					AuctionID: a.ID,
					Outcome:   SweepSkipped,
				})
				continue
			}
		}

		rec, err := e.Settle(ctx, a.ID)
		e.endSettle(a.ID)
		if err != nil && !errors.Is(err, ErrBridgeFinalizeFailed) {
			e.logger.Warn("settlement failed, auction stays in closing for retry",
				zap.String("auction_id", a.ID),
				zap.Error(err),
			)
			report.Results = append(report.Results, SweepResult{
				AuctionID: a.ID,
				Outcome:   SweepErrored,
				Error:     err.Error(),
			})
			continue
		}

		result := SweepResult{
			AuctionID:     a.ID,
			Outcome:       SweepClosed,
			WinningBidID:  rec.WinningBidID,
			ClearingPrice: rec.ClearingPrice,
		}
		if err != nil {
			// Settlement stands; only the finalize needs a retry.
			result.Error = err.Error()
		}
		report.Results = append(report.Results, result)
	}

	return report, nil
}
