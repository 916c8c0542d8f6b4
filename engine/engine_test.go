package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/blindticket/bridge"
	"github.com/cloudx-io/blindticket/keyring"
	"github.com/cloudx-io/blindticket/store"
	"github.com/cloudx-io/blindticket/store/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingDecrypter wraps a Decrypter and counts calls, used to verify the
// idempotent re-query path never decrypts again.
type countingDecrypter struct {
	mu    sync.Mutex
	inner keyring.Decrypter
	calls int
}

func (c *countingDecrypter) Decrypt(sealed keyring.SealedAmount) (decimal.Decimal, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Decrypt(sealed)
}

func (c *countingDecrypter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// flakyLedger wraps a store and fails a configured number of ListBids calls,
// simulating a ledger read fault during settlement.
type flakyLedger struct {
	*memstore.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyLedger) ListBids(ctx context.Context, auctionID string) ([]store.Bid, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, store.ErrStorageUnavailable
	}
	return f.Store.ListBids(ctx, auctionID)
}

type testRig struct {
	engine *Engine
	store  *memstore.Store
	keys   *keyring.KeyManager
	counts *countingDecrypter
	issuer *bridge.RecordingIssuer
	clock  *fakeClock
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	km, err := keyring.NewKeyManager()
	assert.NoError(t, err)

	st := memstore.New()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer := &bridge.RecordingIssuer{}
	counts := &countingDecrypter{inner: km}

	return &testRig{
		engine: New(st, counts, issuer, clock, nil),
		store:  st,
		keys:   km,
		counts: counts,
		issuer: issuer,
		clock:  clock,
	}
}

func (r *testRig) createAuction(t *testing.T, reserve string, lifetime time.Duration) store.Auction {
	t.Helper()

	a, err := r.engine.CreateAuction(context.Background(), CreateAuctionParams{
		ListingID:    "listing-1",
		StartTime:    r.clock.Now(),
		EndTime:      r.clock.Now().Add(lifetime),
		ReservePrice: decimal.RequireFromString(reserve),
	})
	assert.NoError(t, err)
	return a
}

func (r *testRig) seal(t *testing.T, amount string) keyring.SealedAmount {
	t.Helper()

	sealed, err := keyring.SealAmount(decimal.RequireFromString(amount), r.keys.PublicKey, keyring.HashAlgorithmSHA256)
	assert.NoError(t, err)
	return sealed
}

func (r *testRig) submit(t *testing.T, auctionID, bidder, amount string) store.Bid {
	t.Helper()

	bid, err := r.engine.SubmitBid(context.Background(), auctionID, bidder, r.seal(t, amount))
	assert.NoError(t, err)
	return bid
}

func TestCreateAuction_Validation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	now := rig.clock.Now()

	_, err := rig.engine.CreateAuction(ctx, CreateAuctionParams{
		ListingID: "", StartTime: now, EndTime: now.Add(time.Hour),
	})
	check.Error(t, err)

	_, err = rig.engine.CreateAuction(ctx, CreateAuctionParams{
		ListingID: "l", StartTime: now.Add(time.Hour), EndTime: now,
	})
	check.Error(t, err)

	_, err = rig.engine.CreateAuction(ctx, CreateAuctionParams{
		ListingID: "l", StartTime: now, EndTime: now.Add(time.Hour),
		ReservePrice: decimal.RequireFromString("-1"),
	})
	check.Error(t, err)
}

func TestSubmitBid_BeforeStartRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a, err := rig.engine.CreateAuction(ctx, CreateAuctionParams{
		ListingID: "listing-1",
		StartTime: rig.clock.Now().Add(time.Hour),
		EndTime:   rig.clock.Now().Add(2 * time.Hour),
	})
	assert.NoError(t, err)

	_, err = rig.engine.SubmitBid(ctx, a.ID, "alice", rig.seal(t, "100"))
	check.True(t, errors.Is(err, store.ErrAuctionNotActive))
}

func TestSubmitBid_AfterDeadlineRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "0", time.Hour)
	rig.submit(t, a.ID, "alice", "100")

	rig.clock.Advance(time.Hour) // now == endTime

	_, err := rig.engine.SubmitBid(ctx, a.ID, "bob", rig.seal(t, "500"))
	check.True(t, errors.Is(err, store.ErrAuctionNotActive))

	// The late bid never reaches the ledger read settlement uses.
	bids, err := rig.store.ListBids(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, 1, len(bids))
}

func TestSubmitBid_ExactReplayRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "0", time.Hour)
	sealed := rig.seal(t, "100")

	_, err := rig.engine.SubmitBid(ctx, a.ID, "alice", sealed)
	assert.NoError(t, err)

	_, err = rig.engine.SubmitBid(ctx, a.ID, "alice", sealed)
	check.True(t, errors.Is(err, store.ErrDuplicateBid))

	// A different bidder replaying the ciphertext is not a duplicate.
	_, err = rig.engine.SubmitBid(ctx, a.ID, "bob", sealed)
	check.NoError(t, err)
}

func TestSweep_SettlesOverdueAuction(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "50.00", time.Hour)
	rig.submit(t, a.ID, "alice", "100.00")
	rig.clock.Advance(time.Minute)
	winning := rig.submit(t, a.ID, "bob", "150.00")
	rig.clock.Advance(time.Minute)
	rig.submit(t, a.ID, "carol", "150.00") // same amount, later submission

	rig.clock.Advance(time.Hour)

	report, err := rig.engine.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(report.Results))
	check.Equal(t, SweepClosed, report.Results[0].Outcome)
	assert.NotNil(t, report.Results[0].WinningBidID)
	check.Equal(t, winning.ID, *report.Results[0].WinningBidID)

	got, err := rig.engine.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.StatusSettled, got.Status)
	assert.NotNil(t, got.ClearingPrice)
	check.True(t, decimal.RequireFromString("150.00").Equal(*got.ClearingPrice))

	calls := rig.issuer.Calls()
	assert.Equal(t, 1, len(calls))
	check.Equal(t, store.OutcomeSold, calls[0].Outcome)
}

func TestSweep_TieGoesToEarlierBid(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "50.00", time.Hour)
	first := rig.submit(t, a.ID, "alice", "150.00")
	rig.clock.Advance(time.Minute)
	rig.submit(t, a.ID, "bob", "150.00")

	rig.clock.Advance(time.Hour)

	_, err := rig.engine.Sweep(ctx)
	assert.NoError(t, err)

	rec, err := rig.engine.Settle(ctx, a.ID)
	assert.NoError(t, err)
	assert.NotNil(t, rec.WinningBidID)
	check.Equal(t, first.ID, *rec.WinningBidID)
}

func TestSweep_ConcurrentInvocations(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "0", time.Hour)
	rig.submit(t, a.ID, "alice", "120.00")
	rig.clock.Advance(2 * time.Hour)

	const n = 8
	var wg sync.WaitGroup
	reports := make([]SweepReport, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = rig.engine.Sweep(ctx)
		}(i)
	}
	wg.Wait()

	closed := 0
	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		for _, res := range reports[i].Results {
			check.NotEqual(t, SweepErrored, res.Outcome)
			if res.Outcome == SweepClosed {
				closed++
			}
		}
	}
	check.Equal(t, 1, closed)

	// Exactly one settlement record and one finalize call.
	_, err := rig.store.GetSettlement(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, 1, len(rig.issuer.Calls()))
}

func TestSettle_IdempotentRequery(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "0", time.Hour)
	rig.submit(t, a.ID, "alice", "80.00")
	rig.clock.Advance(2 * time.Hour)

	_, err := rig.engine.Sweep(ctx)
	assert.NoError(t, err)

	first, err := rig.engine.Settle(ctx, a.ID)
	assert.NoError(t, err)
	decryptsAfterSettle := rig.counts.count()

	second, err := rig.engine.Settle(ctx, a.ID)
	assert.NoError(t, err)

	check.Equal(t, first, second)
	check.Equal(t, decryptsAfterSettle, rig.counts.count())
	check.Equal(t, 1, len(rig.issuer.Calls()))
}

func TestSweep_NoBids(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "100.00", time.Hour)
	rig.clock.Advance(2 * time.Hour)

	_, err := rig.engine.Sweep(ctx)
	assert.NoError(t, err)

	rec, err := rig.engine.Settle(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.OutcomeNoBids, rec.Outcome)
	check.Nil(t, rec.WinningBidID)
	check.Nil(t, rec.ClearingPrice)

	// No-sale notice exactly once.
	calls := rig.issuer.Calls()
	assert.Equal(t, 1, len(calls))
	check.Equal(t, store.OutcomeNoBids, calls[0].Outcome)
	check.Nil(t, calls[0].WinningBidID)
}

func TestSweep_ReserveNotMet(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "200.00", time.Hour)
	rig.submit(t, a.ID, "alice", "120.00")
	rig.clock.Advance(time.Minute)
	rig.submit(t, a.ID, "bob", "180.00")
	rig.clock.Advance(2 * time.Hour)

	_, err := rig.engine.Sweep(ctx)
	assert.NoError(t, err)

	rec, err := rig.engine.Settle(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.OutcomeReserveNotMet, rec.Outcome)
	check.Nil(t, rec.WinningBidID)
	check.Equal(t, 2, len(rec.ReserveRejected))

	got, err := rig.engine.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.StatusSettled, got.Status)
}

func TestSweep_DecryptionFailureDisqualifiesOnlyThatBid(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "0", time.Hour)

	garbage := keyring.SealedAmount{
		KeyCiphertext: "dGVzdGRhdGF0ZXN0ZGF0YXRlc3RkYXRh",
		Payload:       "dGVzdA==",
		Nonce:         "dGVzdHRlc3R0ZXN0",
	}
	_, err := rig.engine.SubmitBid(ctx, a.ID, "mallory", garbage)
	assert.NoError(t, err)

	rig.clock.Advance(time.Minute)
	good := rig.submit(t, a.ID, "alice", "90.00")
	rig.clock.Advance(2 * time.Hour)

	_, err = rig.engine.Sweep(ctx)
	assert.NoError(t, err)

	rec, err := rig.engine.Settle(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.OutcomeSold, rec.Outcome)
	assert.NotNil(t, rec.WinningBidID)
	check.Equal(t, good.ID, *rec.WinningBidID)
	assert.Equal(t, 1, len(rec.Excluded))
	check.Equal(t, store.ReasonDecryptionFailed, rec.Excluded[0].Reason)
}

func TestSweep_RetriesAuctionStrandedInClosing(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ledger := &flakyLedger{Store: rig.store}
	rig.engine = New(ledger, rig.counts, rig.issuer, rig.clock, nil)

	a := rig.createAuction(t, "0", time.Hour)
	rig.submit(t, a.ID, "alice", "60.00")
	rig.clock.Advance(2 * time.Hour)

	// First sweep wins the transition, then the ledger read fails: the
	// auction stays in closing with no settlement record.
	ledger.failures = 1
	report, err := rig.engine.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(report.Results))
	check.Equal(t, SweepErrored, report.Results[0].Outcome)

	got, err := rig.engine.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.StatusClosing, got.Status)
	_, err = rig.store.GetSettlement(ctx, a.ID)
	check.True(t, errors.Is(err, store.ErrSettlementNotFound))

	// The next sweep picks the stranded auction back up and settles it.
	report, err = rig.engine.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(report.Results))
	check.Equal(t, SweepClosed, report.Results[0].Outcome)

	got, err = rig.engine.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.StatusSettled, got.Status)

	rec, err := rig.store.GetSettlement(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.OutcomeSold, rec.Outcome)
	check.Equal(t, 1, len(rig.issuer.Calls()))
}

func TestSweep_AllBidsExcluded(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "0", time.Hour)
	garbage := keyring.SealedAmount{
		KeyCiphertext: "dGVzdGRhdGF0ZXN0ZGF0YXRlc3RkYXRh",
		Payload:       "dGVzdA==",
		Nonce:         "dGVzdHRlc3R0ZXN0",
	}
	_, err := rig.engine.SubmitBid(ctx, a.ID, "mallory", garbage)
	assert.NoError(t, err)
	garbage.Payload = "b3RoZXI="
	_, err = rig.engine.SubmitBid(ctx, a.ID, "mallory", garbage)
	assert.NoError(t, err)

	rig.clock.Advance(2 * time.Hour)
	_, err = rig.engine.Sweep(ctx)
	assert.NoError(t, err)

	rec, err := rig.engine.Settle(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.OutcomeNoValidBids, rec.Outcome)
	check.Nil(t, rec.WinningBidID)
	check.Equal(t, 2, len(rec.Excluded))
	check.Equal(t, 0, len(rec.ReserveRejected))
}

func TestVoid_PreBidOnly(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "0", time.Hour)
	assert.NoError(t, rig.engine.Void(ctx, a.ID))

	// A voided auction accepts no bids and never settles.
	_, err := rig.engine.SubmitBid(ctx, a.ID, "alice", rig.seal(t, "100"))
	check.True(t, errors.Is(err, store.ErrAuctionNotActive))

	rig.clock.Advance(2 * time.Hour)
	report, err := rig.engine.Sweep(ctx)
	assert.NoError(t, err)
	check.Equal(t, 0, len(report.Results))

	b := rig.createAuction(t, "0", time.Hour)
	rig.submit(t, b.ID, "alice", "100")
	err = rig.engine.Void(ctx, b.ID)
	check.True(t, errors.Is(err, store.ErrAuctionHasBids))
}

func TestBridgeFailure_SettlementStandsAndFinalizeRetries(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "0", time.Hour)
	rig.submit(t, a.ID, "alice", "75.00")
	rig.clock.Advance(2 * time.Hour)

	rig.issuer.FailFirst(1, context.DeadlineExceeded)

	report, err := rig.engine.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(report.Results))
	check.Equal(t, SweepClosed, report.Results[0].Outcome)
	check.NotEqual(t, "", report.Results[0].Error)

	// The settlement record stands with the finalize un-acked.
	rec, err := rig.store.GetSettlement(ctx, a.ID)
	assert.NoError(t, err)
	check.Nil(t, rec.FinalizedAt)
	check.Equal(t, 0, len(rig.issuer.Calls()))

	// The re-query path retries the finalize without recomputing.
	decrypts := rig.counts.count()
	rec2, err := rig.engine.Settle(ctx, a.ID)
	assert.NoError(t, err)
	check.NotNil(t, rec2.FinalizedAt)
	check.Equal(t, rec.WinningBidID, rec2.WinningBidID)
	check.Equal(t, decrypts, rig.counts.count())
	check.Equal(t, 1, len(rig.issuer.Calls()))
}

func TestSettle_NotClosingRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := rig.createAuction(t, "0", time.Hour)

	_, err := rig.engine.Settle(ctx, a.ID)
	check.True(t, errors.Is(err, store.ErrTransitionConflict))
}

func TestGetAuction_LazyActivation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a, err := rig.engine.CreateAuction(ctx, CreateAuctionParams{
		ListingID: "listing-1",
		StartTime: rig.clock.Now().Add(time.Minute),
		EndTime:   rig.clock.Now().Add(time.Hour),
	})
	assert.NoError(t, err)

	got, err := rig.engine.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.StatusScheduled, got.Status)

	rig.clock.Advance(2 * time.Minute)
	got, err = rig.engine.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, store.StatusActive, got.Status)
}
