package storefront

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pixloja/storefront/internal/catalog"
	"github.com/pixloja/storefront/internal/ledger"
	"github.com/pixloja/storefront/internal/pix"
	"github.com/pixloja/storefront/internal/platform"
)

type fakeGateway struct {
	mu         sync.Mutex
	nextID     string
	createErr  error
	created    int
	lastIdem   string
	statuses   map[string]pix.Status
	statusErr  error
	statusErrs map[string]error
}

func (g *fakeGateway) CreateCharge(_ context.Context, desc string, amount decimal.Decimal, payer, idemKey string) (pix.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastIdem = idemKey
	if g.createErr != nil {
		return pix.Charge{}, g.createErr
	}
	g.created++
	return pix.Charge{ID: g.nextID, Amount: amount, QRPayload: "qr-" + g.nextID, CodePayload: "code-" + g.nextID}, nil
}

func (g *fakeGateway) GetStatus(_ context.Context, chargeID string) (pix.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return "", g.statusErr
	}
	if err, ok := g.statusErrs[chargeID]; ok {
		return "", err
	}
	st, ok := g.statuses[chargeID]
	if !ok {
		return pix.StatusPending, nil
	}
	return st, nil
}

func (g *fakeGateway) setStatus(chargeID string, st pix.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statuses == nil {
		g.statuses = map[string]pix.Status{}
	}
	g.statuses[chargeID] = st
}

type fakePlatform struct {
	mu      sync.Mutex
	nextID  int
	sent    map[string][]platform.Message
	deleted chan string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{sent: map[string][]platform.Message{}, deleted: make(chan string, 16)}
}

func (p *fakePlatform) CreatePrivateChannel(_ context.Context, name, buyerID string) (platform.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return platform.Channel{ID: fmt.Sprintf("ch-%d", p.nextID), Name: name}, nil
}

func (p *fakePlatform) DeleteChannel(_ context.Context, channelID string) error {
	p.deleted <- channelID
	return nil
}

func (p *fakePlatform) Send(_ context.Context, channelID string, msg platform.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[channelID] = append(p.sent[channelID], msg)
	return nil
}

func (p *fakePlatform) sentCount(channelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent[channelID])
}

func (p *fakePlatform) waitDeleted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-p.deleted:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("channel teardown never happened")
		return ""
	}
}

func newTestService(t *testing.T) (*Service, *fakeGateway, *fakePlatform) {
	t.Helper()

	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	book, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	gw := &fakeGateway{nextID: "abc"}
	chat := newFakePlatform()
	svc := New(cat, book, gw, chat)
	svc.Grace = time.Millisecond
	return svc, gw, chat
}

func seedProduct(t *testing.T, svc *Service, id, price string, stock int) catalog.Product {
	t.Helper()
	p := catalog.Product{
		ID:        id,
		Name:      "Gift Card",
		Price:     decimal.RequireFromString(price),
		Stock:     stock,
		CreatedAt: time.Now().UTC(),
	}
	if err := svc.Catalog.Put(p); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return p
}

func ledgerEntries(t *testing.T, svc *Service) []ledger.Entry {
	t.Helper()
	now := time.Now().UTC()
	var out []ledger.Entry
	for e, err := range svc.Ledger.QueryRange(now.AddDate(0, 0, -1), now) {
		if err != nil {
			t.Fatalf("query ledger: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestApprovedFlow(t *testing.T) {
	svc, gw, chat := newTestService(t)
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}
	if sess.State != StateSelecting {
		t.Fatalf("state after select: %s", sess.State)
	}

	charge, err := svc.RequestCharge(ctx, sess.ID)
	if err != nil {
		t.Fatalf("request charge: %v", err)
	}
	if charge.ID != "abc" {
		t.Fatalf("charge id: %s", charge.ID)
	}
	if len(svc.Awaiting()) != 1 {
		t.Fatal("session should be awaiting payment")
	}

	gw.setStatus("abc", pix.StatusApproved)
	rec := &Reconciler{Svc: svc, Interval: time.Hour}
	rec.Cycle(ctx)

	p, err := svc.Catalog.Get("1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.Stock != 2 {
		t.Errorf("stock after settlement: got %d, want 2", p.Stock)
	}

	entries := ledgerEntries(t, svc)
	if len(entries) != 1 {
		t.Fatalf("ledger entries: got %d, want 1", len(entries))
	}
	if entries[0].ChargeID != "abc" {
		t.Errorf("entry charge id: %s", entries[0].ChargeID)
	}
	if entries[0].Amount.String() != "10.00" {
		t.Errorf("entry amount: %s", entries[0].Amount.String())
	}
	if entries[0].BuyerID != "buyer-1" {
		t.Errorf("entry buyer: %s", entries[0].BuyerID)
	}

	if len(svc.Awaiting()) != 0 || len(svc.ActiveSessions()) != 0 {
		t.Error("settled session must leave the active set")
	}
	if got := chat.waitDeleted(t); got != sess.ChannelID {
		t.Errorf("teardown of wrong channel: %s", got)
	}
}

func TestDoubleApprovalSettlesOnce(t *testing.T) {
	svc, gw, _ := newTestService(t)
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}
	if _, err := svc.RequestCharge(ctx, sess.ID); err != nil {
		t.Fatalf("request charge: %v", err)
	}
	gw.setStatus("abc", pix.StatusApproved)

	// Two concurrent observers of the same approval.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.ApplyChargeStatus(ctx, sess.ID, pix.StatusApproved); err != nil {
				t.Errorf("apply status: %v", err)
			}
		}()
	}
	wg.Wait()

	entries := ledgerEntries(t, svc)
	if len(entries) != 1 {
		t.Errorf("ledger entries after double approval: got %d, want 1", len(entries))
	}
	p, _ := svc.Catalog.Get("1")
	if p.Stock != 2 {
		t.Errorf("stock decremented %d times", 3-p.Stock)
	}
}

func TestStatusFailureLeavesSessionUntouched(t *testing.T) {
	svc, gw, _ := newTestService(t)
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}
	if _, err := svc.RequestCharge(ctx, sess.ID); err != nil {
		t.Fatalf("request charge: %v", err)
	}

	gw.mu.Lock()
	gw.statusErr = &pix.GatewayError{Op: "status", Err: errors.New("connection reset")}
	gw.mu.Unlock()

	rec := &Reconciler{Svc: svc, Interval: time.Hour}
	rec.Cycle(ctx)

	awaiting := svc.Awaiting()
	if len(awaiting) != 1 || awaiting[0].State != StateAwaitingPayment {
		t.Fatalf("session must stay awaiting after a failed status check: %+v", awaiting)
	}
	if entries := ledgerEntries(t, svc); len(entries) != 0 {
		t.Errorf("no ledger entries expected, got %d", len(entries))
	}
	p, _ := svc.Catalog.Get("1")
	if p.Stock != 3 {
		t.Errorf("stock must be unchanged, got %d", p.Stock)
	}
}

func TestCancelDuringSelecting(t *testing.T) {
	svc, gw, chat := newTestService(t)
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}
	if err := svc.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if gw.created != 0 {
		t.Error("no charge should ever have been created")
	}
	if len(svc.ActiveSessions()) != 0 {
		t.Error("cancelled session must leave the active set")
	}
	if entries := ledgerEntries(t, svc); len(entries) != 0 {
		t.Errorf("no ledger effect expected, got %d entries", len(entries))
	}
	p, _ := svc.Catalog.Get("1")
	if p.Stock != 3 {
		t.Errorf("no stock effect expected, got %d", p.Stock)
	}
	chat.waitDeleted(t)

	// Cancel pre-empts everything: no further transition is possible.
	if err := svc.Cancel(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second cancel: got %v", err)
	}
}

func TestDeclinedChargeCancelsWithoutEffects(t *testing.T) {
	svc, gw, chat := newTestService(t)
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}
	if _, err := svc.RequestCharge(ctx, sess.ID); err != nil {
		t.Fatalf("request charge: %v", err)
	}

	gw.setStatus("abc", pix.StatusRejected)
	rec := &Reconciler{Svc: svc, Interval: time.Hour}
	rec.Cycle(ctx)

	if len(svc.ActiveSessions()) != 0 {
		t.Error("declined session must leave the active set")
	}
	if entries := ledgerEntries(t, svc); len(entries) != 0 {
		t.Errorf("no ledger effect expected, got %d entries", len(entries))
	}
	p, _ := svc.Catalog.Get("1")
	if p.Stock != 3 {
		t.Errorf("no stock effect expected, got %d", p.Stock)
	}
	chat.waitDeleted(t)
}

func TestRequestChargeGatewayFailureIsRetryable(t *testing.T) {
	svc, gw, _ := newTestService(t)
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}

	gw.mu.Lock()
	gw.createErr = &pix.GatewayError{Op: "create", Err: errors.New("timeout")}
	gw.mu.Unlock()

	if _, err := svc.RequestCharge(ctx, sess.ID); err == nil {
		t.Fatal("expected gateway error")
	}
	snap, err := svc.SessionByChannel(sess.ChannelID)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if snap.State != StateSelecting {
		t.Fatalf("session must stay SELECTING after a failed create, got %s", snap.State)
	}

	// Retry succeeds and reuses the same idempotency key.
	gw.mu.Lock()
	gw.createErr = nil
	firstIdem := gw.lastIdem
	gw.mu.Unlock()

	if _, err := svc.RequestCharge(ctx, sess.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	gw.mu.Lock()
	secondIdem := gw.lastIdem
	gw.mu.Unlock()
	if firstIdem == "" || firstIdem != secondIdem {
		t.Errorf("idempotency key must be stable per session: %q vs %q", firstIdem, secondIdem)
	}
}

func TestRequestChargeRechecksStock(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedProduct(t, svc, "1", "10.00", 1)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}

	// Stock drains between listing and purchase.
	if _, err := svc.Catalog.AdjustStock("1", -1); err != nil {
		t.Fatalf("drain stock: %v", err)
	}

	if _, err := svc.RequestCharge(ctx, sess.ID); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	snap, err := svc.SessionByChannel(sess.ChannelID)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if snap.State != StateSelecting {
		t.Errorf("session state: %s", snap.State)
	}
}

func TestSelectProductOutOfStock(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedProduct(t, svc, "1", "10.00", 0)

	if _, err := svc.SelectProduct(context.Background(), "buyer-1", "maria", "1"); !errors.Is(err, ErrOutOfStock) {
		t.Errorf("expected ErrOutOfStock, got %v", err)
	}
}

func TestExpiryPolicy(t *testing.T) {
	svc, _, chat := newTestService(t)
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}
	if _, err := svc.RequestCharge(ctx, sess.ID); err != nil {
		t.Fatalf("request charge: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	rec := &Reconciler{Svc: svc, Interval: time.Hour, MaxAge: time.Millisecond}
	rec.Cycle(ctx)

	if len(svc.ActiveSessions()) != 0 {
		t.Error("expired session must leave the active set")
	}
	if entries := ledgerEntries(t, svc); len(entries) != 0 {
		t.Errorf("expiry must have no ledger effect, got %d entries", len(entries))
	}
	p, _ := svc.Catalog.Get("1")
	if p.Stock != 3 {
		t.Errorf("expiry must have no stock effect, got %d", p.Stock)
	}
	chat.waitDeleted(t)
}

type fakeGuard struct {
	mu       sync.Mutex
	claimed  bool
	released int
}

func (g *fakeGuard) Claim(_ context.Context, _ string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.claimed, nil
}

func (g *fakeGuard) Release(_ context.Context, _ string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released++
}

// A ledger failure mid-settlement must roll the stock decrement back and
// leave the session awaiting so the next cycle retries the whole settlement.
func TestLedgerFailureRollsBackStock(t *testing.T) {
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	ledgerDir := filepath.Join(t.TempDir(), "transactions")
	book, err := ledger.Open(ledgerDir)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	gw := &fakeGateway{nextID: "abc"}
	chat := newFakePlatform()
	svc := New(cat, book, gw, chat)
	svc.Grace = time.Millisecond
	guard := &fakeGuard{claimed: true}
	svc.Dedup = guard
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}
	if _, err := svc.RequestCharge(ctx, sess.ID); err != nil {
		t.Fatalf("request charge: %v", err)
	}

	// The append fails when the partition directory is gone.
	if err := os.RemoveAll(ledgerDir); err != nil {
		t.Fatalf("remove ledger dir: %v", err)
	}
	if err := svc.ApplyChargeStatus(ctx, sess.ID, pix.StatusApproved); err == nil {
		t.Fatal("expected settlement to fail")
	}

	p, _ := svc.Catalog.Get("1")
	if p.Stock != 3 {
		t.Errorf("stock must be rolled back: got %d, want 3", p.Stock)
	}
	awaiting := svc.Awaiting()
	if len(awaiting) != 1 || awaiting[0].State != StateAwaitingPayment {
		t.Fatalf("session must stay awaiting for a retry: %+v", awaiting)
	}
	guard.mu.Lock()
	released := guard.released
	guard.mu.Unlock()
	if released != 1 {
		t.Errorf("claim must be released on failure: released %d times", released)
	}

	// The next cycle retries and settles once the ledger is writable again.
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		t.Fatalf("restore ledger dir: %v", err)
	}
	if err := svc.ApplyChargeStatus(ctx, sess.ID, pix.StatusApproved); err != nil {
		t.Fatalf("retry settlement: %v", err)
	}
	if entries := ledgerEntries(t, svc); len(entries) != 1 {
		t.Errorf("ledger entries after retry: got %d, want 1", len(entries))
	}
	p, _ = svc.Catalog.Get("1")
	if p.Stock != 2 {
		t.Errorf("stock after retry: got %d, want 2", p.Stock)
	}
}

// A dedup claim left behind by a crash before the ledger append must not
// suppress the settlement: the ledger decides.
func TestStaleDedupClaimStillSettles(t *testing.T) {
	svc, gw, chat := newTestService(t)
	svc.Dedup = &fakeGuard{claimed: false}
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}
	if _, err := svc.RequestCharge(ctx, sess.ID); err != nil {
		t.Fatalf("request charge: %v", err)
	}
	gw.setStatus("abc", pix.StatusApproved)

	if err := svc.ApplyChargeStatus(ctx, sess.ID, pix.StatusApproved); err != nil {
		t.Fatalf("apply status: %v", err)
	}

	if entries := ledgerEntries(t, svc); len(entries) != 1 {
		t.Errorf("ledger entries: got %d, want 1", len(entries))
	}
	p, _ := svc.Catalog.Get("1")
	if p.Stock != 2 {
		t.Errorf("stock: got %d, want 2", p.Stock)
	}
	chat.waitDeleted(t)
}

// A claim backed by a ledger entry is a real prior settlement; the session
// retires with no further effects.
func TestClaimedAndLedgeredChargeSkipsEffects(t *testing.T) {
	svc, _, chat := newTestService(t)
	svc.Dedup = &fakeGuard{claimed: false}
	seedProduct(t, svc, "1", "10.00", 3)
	ctx := context.Background()

	sess, err := svc.SelectProduct(ctx, "buyer-1", "maria", "1")
	if err != nil {
		t.Fatalf("select product: %v", err)
	}
	if _, err := svc.RequestCharge(ctx, sess.ID); err != nil {
		t.Fatalf("request charge: %v", err)
	}

	// A previous incarnation already recorded the sale.
	prior := ledger.Entry{
		ChargeID:  "abc",
		ProductID: "1",
		Amount:    decimal.RequireFromString("10.00"),
		BuyerID:   "buyer-1",
		SettledAt: time.Now().UTC(),
	}
	if err := svc.Ledger.Append(prior); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	if err := svc.ApplyChargeStatus(ctx, sess.ID, pix.StatusApproved); err != nil {
		t.Fatalf("apply status: %v", err)
	}

	if entries := ledgerEntries(t, svc); len(entries) != 1 {
		t.Errorf("no second entry expected, got %d", len(entries))
	}
	p, _ := svc.Catalog.Get("1")
	if p.Stock != 3 {
		t.Errorf("no stock effect expected, got %d", p.Stock)
	}
	if len(svc.ActiveSessions()) != 0 {
		t.Error("session must leave the active set")
	}
	chat.waitDeleted(t)
}

func TestAdminProductLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.AddProduct("Gift Card", "abc", "3", ""); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("bad price: got %v", err)
	}
	if _, err := svc.AddProduct("Gift Card", "10.00", "-1", ""); !errors.Is(err, ErrInvalidStock) {
		t.Errorf("bad stock: got %v", err)
	}

	p, err := svc.AddProduct("Gift Card", "10.00", "3", "R$10 gift card")
	if err != nil {
		t.Fatalf("add product: %v", err)
	}
	if p.ID != "1" {
		t.Errorf("first product id: %s", p.ID)
	}

	newStock := 7
	upd, err := svc.UpdateProduct(p.ID, ProductUpdate{Stock: &newStock})
	if err != nil {
		t.Fatalf("update product: %v", err)
	}
	if upd.Stock != 7 || !upd.Price.Equal(p.Price) {
		t.Errorf("update result: %+v", upd)
	}

	if err := svc.RemoveProduct(p.ID); err != nil {
		t.Fatalf("remove product: %v", err)
	}
	if err := svc.RemoveProduct(p.ID); !errors.Is(err, catalog.ErrProductNotFound) {
		t.Errorf("remove of removed product: got %v", err)
	}
}

func TestStateMachine(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateSelecting, StateAwaitingPayment, true},
		{StateSelecting, StateCancelled, true},
		{StateSelecting, StateExpired, true},
		{StateSelecting, StateSettled, false},
		{StateAwaitingPayment, StateSettled, true},
		{StateAwaitingPayment, StateCancelled, true},
		{StateAwaitingPayment, StateExpired, true},
		{StateSettled, StateCancelled, false},
		{StateCancelled, StateAwaitingPayment, false},
		{StateExpired, StateSettled, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
	for _, s := range []State{StateSettled, StateCancelled, StateExpired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
