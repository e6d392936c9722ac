package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vitwit/cryptopay/audit"
	"github.com/vitwit/cryptopay/clients"
	"github.com/vitwit/cryptopay/notify"
	"github.com/vitwit/cryptopay/quote"
	"github.com/vitwit/cryptopay/store"
	"github.com/vitwit/cryptopay/types"
	"github.com/vitwit/cryptopay/verification"
	"github.com/vitwit/cryptopay/watcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	merchant = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	payer    = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	stranger = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func txHash(n int) string { return fmt.Sprintf("0x%064x", n) }

// fakeChain serves BSC transactions to the EVM validator.
type fakeChain struct {
	mu    sync.Mutex
	txs   map[string]*clients.EVMTransaction
	errs  map[string]error
	holds map[string]*gate
}

// gate parks the next lookup of a reference until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		txs:   make(map[string]*clients.EVMTransaction),
		errs:  make(map[string]error),
		holds: make(map[string]*gate),
	}
}

// hold blocks the next lookup of ref. entered is closed once that lookup is
// parked; release lets it continue.
func (f *fakeChain) hold(ref string) (entered <-chan struct{}, release func()) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.holds[ref] = g
	f.mu.Unlock()
	return g.entered, func() { close(g.release) }
}

func (f *fakeChain) pay(ref, to, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := dec(amount).Shift(18).BigInt()
	f.txs[ref] = &clients.EVMTransaction{
		Hash:      ref,
		Succeeded: true,
		From:      payer,
		To:        to,
		Value:     v,
		Transfers: []clients.EVMTransfer{{From: payer, To: to, Value: new(big.Int).Set(v)}},
	}
}

// payAt is pay with a block time.
func (f *fakeChain) payAt(ref, to, amount string, at time.Time) {
	f.pay(ref, to, amount)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[ref].Timestamp = &at
}

func (f *fakeChain) fail(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, ref)
		return
	}
	f.errs[ref] = err
}

func (f *fakeChain) TransactionByReference(_ context.Context, ref string) (*clients.EVMTransaction, error) {
	f.mu.Lock()
	g := f.holds[ref]
	delete(f.holds, ref)
	f.mu.Unlock()
	if g != nil {
		close(g.entered)
		<-g.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[ref]; ok {
		return nil, err
	}
	tx, ok := f.txs[ref]
	if !ok {
		return nil, clients.ErrTransactionNotFound
	}
	return tx, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) kinds() []notify.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recordingSink) last() notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type failingProvider struct{}

func (failingProvider) Name() string { return "down" }

func (failingProvider) GetQuote(context.Context, decimal.Decimal, string) (types.PriceQuote, error) {
	return types.PriceQuote{}, errors.New("503 service unavailable")
}

type harness struct {
	o     *Orchestrator
	store *store.MemoryStore
	chain *audit.Chain
	bsc   *fakeChain
	sink  *recordingSink
	clock *fakeClock
}

func newHarness(t *testing.T, providers []quote.Provider, opts ...Option) *harness {
	t.Helper()
	if providers == nil {
		// A is more expensive than B in total, both without fee
		providers = []quote.Provider{
			quote.NewStaticProvider("A", dec("0.000046"), decimal.Zero, 0, 0),
			quote.NewStaticProvider("B", dec("0.000045"), decimal.Zero, 0, 0),
		}
	}

	h := &harness{
		store: store.NewMemoryStore(),
		bsc:   newFakeChain(),
		sink:  &recordingSink{},
		clock: &fakeClock{t: time.Date(2025, 3, 14, 9, 26, 53, 589_793_238, time.UTC)},
	}
	h.chain = audit.NewChain(h.store, nil, nil, audit.WithClock(h.clock.Now))

	svc := verification.NewVerificationService(time.Second, nil, nil)
	require.NoError(t, svc.AddValidator(types.NetworkBSC,
		verification.NewEVMValidator(h.bsc, types.NetworkBSC.NativeAsset())))

	seq := 0
	base := []Option{
		WithSink(h.sink),
		WithClock(h.clock.Now),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("intent-%02d", seq)
		}),
	}
	o, err := New(quote.NewAggregator(providers, time.Second, nil, nil), svc, h.store, h.chain, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, o.AddRoute(Route{Network: types.NetworkBSC, Merchant: merchant}))
	h.o = o
	return h
}

func (h *harness) request(t *testing.T) *Instructions {
	t.Helper()
	ins, err := h.o.RequestPayment(context.Background(), PaymentRequest{
		FiatAmount: dec("100"),
		Currency:   "eur",
		Network:    types.NetworkBSC,
	})
	require.NoError(t, err)
	return ins
}

func (h *harness) entries(t *testing.T) []types.LedgerEntry {
	t.Helper()
	entries, err := h.store.Entries(context.Background())
	require.NoError(t, err)
	return entries
}

func TestEndToEndSettlement(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ins := h.request(t)
	require.Equal(t, "B", ins.Quote.Provider)
	require.True(t, dec("0.0045").Equal(ins.CryptoAmount), "got %s", ins.CryptoAmount)
	require.Equal(t, "AWAITING_PAYMENT", ins.Status)
	require.Equal(t, merchant, ins.MerchantAddress)
	require.Equal(t, "BNB", ins.Asset.Symbol)
	require.Equal(t, "EUR", ins.FiatCurrency)
	require.Nil(t, ins.ExpiresAt)

	requested := h.sink.last()
	require.Equal(t, notify.PaymentRequested, requested.Kind)
	require.Equal(t, int64(10000), requested.Amount)

	stored, err := h.store.Get(ctx, ins.IntentID)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC), stored.CreatedAt)

	// 99.6% of 0.0045
	ref := txHash(1)
	h.bsc.pay(ref, merchant, "0.00448")

	view, err := h.o.SubmitClientReference(ctx, ins.IntentID, ref)
	require.NoError(t, err)
	require.Equal(t, "VALIDATED", view.Status)
	require.Equal(t, ref, view.Reference)
	require.NotEmpty(t, view.AuditHash)
	require.Empty(t, view.Reason)
	require.Empty(t, view.MerchantAddress)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	require.Equal(t, ins.IntentID, entries[0].IntentID)
	require.Equal(t, audit.GenesisHash, entries[0].PrevHash)
	require.Equal(t, view.AuditHash, entries[0].Hash)

	report, err := h.chain.VerifyLedger(ctx)
	require.NoError(t, err)
	require.True(t, report.OK)

	confirmed := h.sink.last()
	require.Equal(t, notify.PaymentConfirmed, confirmed.Kind)
	require.Equal(t, int64(10000), confirmed.Amount)
	require.Equal(t, "EUR", confirmed.Currency)
	require.Equal(t, ref, confirmed.Reference)
	require.Equal(t, []notify.EventKind{notify.PaymentRequested, notify.PaymentConfirmed}, h.sink.kinds())
}

func TestRequestPaymentWithReference(t *testing.T) {
	h := newHarness(t, nil)
	ref := txHash(7)
	h.bsc.pay(ref, merchant, "0.0045")

	ins, err := h.o.RequestPayment(context.Background(), PaymentRequest{
		FiatAmount: dec("100"),
		Currency:   "EUR",
		Network:    types.NetworkBSC,
		Reference:  ref,
	})
	require.NoError(t, err)
	require.Equal(t, "VALIDATED", ins.Status)
	require.Len(t, h.entries(t), 1)
}

func TestRequestPaymentFailures(t *testing.T) {
	t.Run("no quote creates no intent", func(t *testing.T) {
		h := newHarness(t, []quote.Provider{failingProvider{}, failingProvider{}})
		_, err := h.o.RequestPayment(context.Background(), PaymentRequest{
			FiatAmount: dec("10"), Currency: "USD", Network: types.NetworkBSC,
		})
		require.ErrorIs(t, err, types.ErrNoQuote)

		pending, err := h.store.FindPending(context.Background(), types.NetworkBSC, "BNB")
		require.NoError(t, err)
		require.Empty(t, pending)
		require.Empty(t, h.sink.kinds())
	})

	h := newHarness(t, nil)
	cases := []struct {
		name string
		req  PaymentRequest
		want error
	}{
		{"zero amount", PaymentRequest{FiatAmount: decimal.Zero, Currency: "EUR", Network: types.NetworkBSC}, types.ErrBadRequest},
		{"negative amount", PaymentRequest{FiatAmount: dec("-1"), Currency: "EUR", Network: types.NetworkBSC}, types.ErrBadRequest},
		{"missing currency", PaymentRequest{FiatAmount: dec("1"), Currency: " ", Network: types.NetworkBSC}, types.ErrBadRequest},
		{"unrouted network", PaymentRequest{FiatAmount: dec("1"), Currency: "EUR", Network: types.NetworkPolygon}, types.ErrNetworkUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.o.RequestPayment(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPartialPaymentReportsShortfall(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ins := h.request(t)

	ref := txHash(2)
	h.bsc.pay(ref, merchant, "0.0044")

	view, err := h.o.SubmitClientReference(ctx, ins.IntentID, ref)
	require.NoError(t, err)
	require.Equal(t, "PARTIAL_PAYMENT", view.Status)
	require.Equal(t, types.ErrInsufficientAmount, view.Reason)
	require.NotNil(t, view.Shortfall)
	require.True(t, dec("0.0001").Equal(*view.Shortfall), "got %s", view.Shortfall)
	require.True(t, dec("0.0044").Equal(*view.Received))

	require.Len(t, h.entries(t), 1)
	require.Equal(t, []notify.EventKind{notify.PaymentRequested}, h.sink.kinds())

	_, err = h.o.SubmitClientReference(ctx, ins.IntentID, txHash(3))
	require.ErrorIs(t, err, types.ErrTransition)
}

func TestRefusalSurfacesAsFailed(t *testing.T) {
	h := newHarness(t, nil)
	ins := h.request(t)

	ref := txHash(4)
	h.bsc.pay(ref, stranger, "0.0045")

	view, err := h.o.SubmitClientReference(context.Background(), ins.IntentID, ref)
	require.NoError(t, err)
	require.Equal(t, "FAILED", view.Status)
	require.Equal(t, types.ErrRecipientMismatch, view.Reason)
	require.Nil(t, view.Shortfall)
	require.Len(t, h.entries(t), 1)
	require.Equal(t, types.StatusRefused, h.entries(t)[0].Status)
}

func TestSubmitClientReferenceRejects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.request(t)
	second := h.request(t)

	ref := txHash(5)
	h.bsc.pay(ref, merchant, "0.0045")
	_, err := h.o.SubmitClientReference(ctx, first.IntentID, ref)
	require.NoError(t, err)

	_, err = h.o.SubmitClientReference(ctx, second.IntentID, ref)
	require.ErrorIs(t, err, types.ErrReferenceUsed)

	_, err = h.o.SubmitClientReference(ctx, "missing", ref)
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = h.o.SubmitClientReference(ctx, second.IntentID, "  ")
	require.ErrorIs(t, err, types.ErrBadRequest)

	view, err := h.o.GetIntentStatus(ctx, second.IntentID)
	require.NoError(t, err)
	require.Equal(t, "AWAITING_PAYMENT", view.Status)
	require.Equal(t, merchant, view.MerchantAddress)
}

func TestTransientErrorStaysPendingUntilRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ins := h.request(t)

	ref := txHash(6)
	h.bsc.fail(ref, errors.New("dial tcp 10.0.0.1:8545: i/o timeout"))

	view, err := h.o.SubmitClientReference(ctx, ins.IntentID, ref)
	require.NoError(t, err)
	require.Equal(t, "PENDING", view.Status)
	require.Empty(t, view.Reason)
	require.Equal(t, ref, view.Reference)
	require.Empty(t, h.entries(t))

	// still unreachable: nothing changes
	require.NoError(t, h.o.RetryPending(ctx))
	view, err = h.o.GetIntentStatus(ctx, ins.IntentID)
	require.NoError(t, err)
	require.Equal(t, "PENDING", view.Status)

	h.bsc.fail(ref, nil)
	h.bsc.pay(ref, merchant, "0.0045")
	require.NoError(t, h.o.RetryPending(ctx))

	view, err = h.o.GetIntentStatus(ctx, ins.IntentID)
	require.NoError(t, err)
	require.Equal(t, "VALIDATED", view.Status)
	require.Equal(t, notify.PaymentConfirmed, h.sink.last().Kind)
}

func TestInboundReferenceSettlesOldestPendingFirst(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	older := h.request(t)
	h.clock.Advance(time.Second)
	newer := h.request(t)

	first, second := txHash(10), txHash(11)
	h.bsc.pay(first, merchant, "0.0045")
	h.bsc.pay(second, merchant, "0.0045")

	require.NoError(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkBSC, Address: merchant, Reference: first}))

	view, err := h.o.GetIntentStatus(ctx, older.IntentID)
	require.NoError(t, err)
	require.Equal(t, "VALIDATED", view.Status)
	require.Equal(t, first, view.Reference)

	view, err = h.o.GetIntentStatus(ctx, newer.IntentID)
	require.NoError(t, err)
	require.Equal(t, "AWAITING_PAYMENT", view.Status)

	// a repeated reference is already settled and matches nothing new
	require.NoError(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkBSC, Reference: first}))
	view, err = h.o.GetIntentStatus(ctx, newer.IntentID)
	require.NoError(t, err)
	require.Equal(t, "AWAITING_PAYMENT", view.Status)

	require.NoError(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkBSC, Reference: second}))
	view, err = h.o.GetIntentStatus(ctx, newer.IntentID)
	require.NoError(t, err)
	require.Equal(t, "VALIDATED", view.Status)

	require.Len(t, h.entries(t), 2)
}

func TestClientReferenceBindsBeforeWatcherMatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	older := h.request(t)
	h.clock.Advance(time.Second)
	claimed := h.request(t)

	ref := txHash(40)
	h.bsc.pay(ref, merchant, "0.0045")
	entered, release := h.bsc.hold(ref)

	type result struct {
		view *StatusView
		err  error
	}
	done := make(chan result, 1)
	go func() {
		view, err := h.o.SubmitClientReference(ctx, claimed.IntentID, ref)
		done <- result{view, err}
	}()
	<-entered

	// the watcher reports the same transfer while the client lookup is parked
	require.NoError(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkBSC, Address: merchant, Reference: ref}))
	release()

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "VALIDATED", res.view.Status)
	require.Equal(t, ref, res.view.Reference)

	view, err := h.o.GetIntentStatus(ctx, older.IntentID)
	require.NoError(t, err)
	require.Equal(t, "AWAITING_PAYMENT", view.Status)
	require.Empty(t, view.Reference)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	require.Equal(t, claimed.IntentID, entries[0].IntentID)
	require.Equal(t, []notify.EventKind{notify.PaymentRequested, notify.PaymentRequested, notify.PaymentConfirmed}, h.sink.kinds())
}

func TestInboundRefusalLeavesIntentWaiting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ins := h.request(t)

	outgoing := txHash(20)
	h.bsc.pay(outgoing, stranger, "1")

	require.NoError(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkBSC, Reference: outgoing}))
	view, err := h.o.GetIntentStatus(ctx, ins.IntentID)
	require.NoError(t, err)
	require.Equal(t, "AWAITING_PAYMENT", view.Status)
	require.Empty(t, h.entries(t))

	// unknown reference
	require.NoError(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkBSC, Reference: txHash(21)}))
	require.Error(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkSolanaDevnet, Reference: "sig"}))
}

func TestInboundIgnoresTransfersBeforeIntent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ins := h.request(t)

	earlier := txHash(50)
	h.bsc.payAt(earlier, merchant, "0.0045", h.clock.Now().Add(-time.Hour))
	require.NoError(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkBSC, Reference: earlier}))

	view, err := h.o.GetIntentStatus(ctx, ins.IntentID)
	require.NoError(t, err)
	require.Equal(t, "AWAITING_PAYMENT", view.Status)
	require.Empty(t, view.Reference)
	require.Empty(t, h.entries(t))

	// within the skew allowance
	ref := txHash(51)
	h.bsc.payAt(ref, merchant, "0.0045", h.clock.Now().Add(-time.Minute))
	require.NoError(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkBSC, Reference: ref}))

	view, err = h.o.GetIntentStatus(ctx, ins.IntentID)
	require.NoError(t, err)
	require.Equal(t, "VALIDATED", view.Status)
	require.Equal(t, ref, view.Reference)
}

func TestInboundTransientIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ins := h.request(t)

	ref := txHash(30)
	h.bsc.fail(ref, errors.New("429 too many requests"))
	require.NoError(t, h.o.OnInboundReference(ctx, watcher.Candidate{Network: types.NetworkBSC, Reference: ref}))

	view, err := h.o.GetIntentStatus(ctx, ins.IntentID)
	require.NoError(t, err)
	require.Equal(t, "AWAITING_PAYMENT", view.Status)

	h.bsc.fail(ref, nil)
	h.bsc.pay(ref, merchant, "0.0045")
	require.NoError(t, h.o.RetryPending(ctx))

	view, err = h.o.GetIntentStatus(ctx, ins.IntentID)
	require.NoError(t, err)
	require.Equal(t, "VALIDATED", view.Status)
	require.Equal(t, ref, view.Reference)
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t, nil, WithIntentTTL(10*time.Minute))
	ctx := context.Background()

	ins := h.request(t)
	require.NotNil(t, ins.ExpiresAt)
	require.Equal(t, 10*time.Minute, ins.ExpiresAt.Sub(h.clock.Now().Truncate(time.Millisecond)))

	h.clock.Advance(5 * time.Minute)
	fresh := h.request(t)

	n, err := h.o.ExpireStale(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(6 * time.Minute)
	n, err = h.o.ExpireStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	view, err := h.o.GetIntentStatus(ctx, ins.IntentID)
	require.NoError(t, err)
	require.Equal(t, "FAILED", view.Status)
	require.Equal(t, types.ErrExpired, view.Reason)

	view, err = h.o.GetIntentStatus(ctx, fresh.IntentID)
	require.NoError(t, err)
	require.Equal(t, "AWAITING_PAYMENT", view.Status)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].TxReference)

	report, err := h.chain.VerifyLedger(ctx)
	require.NoError(t, err)
	require.True(t, report.OK)
}

func TestExpiryDisabledByDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.request(t)
	h.clock.Advance(24 * time.Hour)

	n, err := h.o.ExpireStale(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

// watchSource feeds the chain watcher for the Run test.
type watchSource struct {
	mu    sync.Mutex
	refs  []string
	lists int
	subs  chan chan types.ActivityEvent
}

func (w *watchSource) listCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lists
}

func (w *watchSource) set(refs ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs = refs
}

func (w *watchSource) ListRecentReferences(context.Context, string, int) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lists++
	return append([]string(nil), w.refs...), nil
}

func (w *watchSource) SubscribeAddressActivity(context.Context, string) (<-chan types.ActivityEvent, error) {
	ch := make(chan types.ActivityEvent)
	w.subs <- ch
	return ch, nil
}

func TestRunSettlesFromWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := watcher.Config{RecentLimit: 5, DedupeSize: 16, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	mgr := watcher.NewManager(ctx, cfg, nil, nil)
	defer mgr.Close()

	h := newHarness(t, nil, WithWatchers(mgr), WithRetryInterval(time.Hour))
	src := &watchSource{subs: make(chan chan types.ActivityEvent, 4)}
	require.NoError(t, h.o.AddRoute(Route{Network: types.NetworkBSC, Merchant: merchant, Source: src}))

	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	var events chan types.ActivityEvent
	select {
	case events = <-src.subs:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never subscribed")
	}
	// wait for the baseline so the payment below counts as new
	require.Eventually(t, func() bool { return src.listCalls() >= 1 }, time.Second, time.Millisecond)

	ins := h.request(t)
	ref := txHash(40)
	h.bsc.pay(ref, merchant, "0.0045")
	src.set(ref)
	events <- types.ActivityEvent{Network: types.NetworkBSC, Address: merchant, At: time.Now()}

	require.Eventually(t, func() bool {
		view, err := h.o.GetIntentStatus(context.Background(), ins.IntentID)
		return err == nil && view.Status == "VALIDATED"
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, notify.PaymentConfirmed, h.sink.last().Kind)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunBackfillsAfterRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := watcher.Config{RecentLimit: 5, DedupeSize: 16, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	mgr := watcher.NewManager(ctx, cfg, nil, nil)
	defer mgr.Close()

	h := newHarness(t, nil, WithWatchers(mgr), WithRetryInterval(time.Hour))
	// paid while no watcher was running
	ins := h.request(t)
	ref := txHash(60)
	h.bsc.payAt(ref, merchant, "0.0045", h.clock.Now())

	src := &watchSource{subs: make(chan chan types.ActivityEvent, 4)}
	src.set(ref)
	require.NoError(t, h.o.AddRoute(Route{Network: types.NetworkBSC, Merchant: merchant, Source: src}))

	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	require.Eventually(t, func() bool {
		view, err := h.o.GetIntentStatus(context.Background(), ins.IntentID)
		return err == nil && view.Status == "VALIDATED" && view.Reference == ref
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.entries(t), 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
