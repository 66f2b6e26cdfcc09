package storefront

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pixloja/storefront/internal/catalog"
	"github.com/pixloja/storefront/internal/ledger"
	"github.com/pixloja/storefront/internal/pix"
	"github.com/pixloja/storefront/internal/platform"
)

// Gateway is the slice of the payment processor the storefront consumes.
type Gateway interface {
	CreateCharge(ctx context.Context, description string, amount decimal.Decimal, payerLabel, idempotencyKey string) (pix.Charge, error)
	GetStatus(ctx context.Context, chargeID string) (pix.Status, error)
}

// Service owns the active-session set and coordinates purchases between
// interactive buyer actions and the reconciliation loop. Every session
// transition happens under mu, so no charge can settle twice.
type Service struct {
	Catalog  *catalog.Store
	Ledger   *ledger.Book
	Gateway  Gateway
	Platform platform.Client
	Events   *EventPublisher // optional
	Dedup    SettleGuard     // optional
	Grace    time.Duration   // channel teardown delay after a final message

	mu       sync.Mutex
	sessions map[string]*Session // by session id
	byCharge map[string]string   // charge id -> session id
}

func New(cat *catalog.Store, book *ledger.Book, gw Gateway, chat platform.Client) *Service {
	return &Service{
		Catalog:  cat,
		Ledger:   book,
		Gateway:  gw,
		Platform: chat,
		Grace:    5 * time.Second,
		sessions: make(map[string]*Session),
		byCharge: make(map[string]string),
	}
}

// SelectProduct starts a purchase: re-checks stock, opens a private channel
// for the buyer, and registers a SELECTING session.
func (s *Service) SelectProduct(ctx context.Context, buyerID, buyerName, productID string) (Snapshot, error) {
	p, err := s.Catalog.Get(productID)
	if err != nil {
		return Snapshot{}, err
	}
	if p.Stock <= 0 {
		return Snapshot{}, ErrOutOfStock
	}

	name := fmt.Sprintf("compra-%s", channelSlug(buyerName))
	ch, err := s.Platform.CreatePrivateChannel(ctx, name, buyerID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("create purchase channel: %w", err)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		BuyerID:   buyerID,
		BuyerName: buyerName,
		ProductID: productID,
		ChannelID: ch.ID,
		State:     StateSelecting,
		CreatedAt: time.Now().UTC(),
		IdemKey:   uuid.NewString(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	snap := sess.snapshot()
	s.mu.Unlock()

	if err := s.Platform.Send(ctx, ch.ID, cartMessage(buyerID, p)); err != nil {
		log.Printf("storefront: send cart to channel %s: %v", ch.ID, err)
	}
	return snap, nil
}

// RequestCharge asks the gateway for a PIX charge for the session's product.
// Stock is re-checked first since it can change between listing and purchase.
// On gateway failure the session stays SELECTING and the call is retryable.
func (s *Service) RequestCharge(ctx context.Context, sessionID string) (pix.Charge, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return pix.Charge{}, ErrSessionNotFound
	}
	if sess.State != StateSelecting {
		s.mu.Unlock()
		return pix.Charge{}, ErrWrongState
	}
	if sess.charging {
		s.mu.Unlock()
		return pix.Charge{}, ErrChargeInFlight
	}
	sess.charging = true
	productID, payer, idemKey, channelID := sess.ProductID, sess.BuyerName, sess.IdemKey, sess.ChannelID
	s.mu.Unlock()

	finish := func() {
		s.mu.Lock()
		sess.charging = false
		s.mu.Unlock()
	}

	p, err := s.Catalog.Get(productID)
	if err != nil {
		finish()
		return pix.Charge{}, err
	}
	if p.Stock <= 0 {
		finish()
		return pix.Charge{}, ErrOutOfStock
	}

	charge, err := s.Gateway.CreateCharge(ctx, p.Name, p.Price, payer, idemKey)
	if err != nil {
		finish()
		return pix.Charge{}, err
	}

	s.mu.Lock()
	sess.charging = false
	if sess.State != StateSelecting {
		// Cancelled while the create was in flight. The gateway's own
		// expiry reclaims the charge; nothing to settle here.
		s.mu.Unlock()
		log.Printf("storefront: charge %s orphaned by session %s (%s)", charge.ID, sessionID, sess.State)
		return pix.Charge{}, ErrWrongState
	}
	sess.State = StateAwaitingPayment
	sess.Charge = &charge
	sess.ChargedAt = time.Now().UTC()
	s.byCharge[charge.ID] = sess.ID
	s.mu.Unlock()

	if err := s.Platform.Send(ctx, channelID, paymentMessage(p, charge)); err != nil {
		log.Printf("storefront: send payment message to channel %s: %v", channelID, err)
	}
	return charge, nil
}

// Cancel is the buyer-initiated exit. It pre-empts reconciliation: once the
// session leaves the active set the loop skips it on future cycles.
func (s *Service) Cancel(ctx context.Context, sessionID string) error {
	snap, err := s.retire(sessionID, StateCancelled)
	if err != nil {
		return err
	}

	s.publishCancelled(snap, "buyer_cancelled")
	if err := s.Platform.Send(ctx, snap.ChannelID, platform.Message{Content: "Compra cancelada!"}); err != nil {
		log.Printf("storefront: send cancel notice to channel %s: %v", snap.ChannelID, err)
	}
	s.scheduleTeardown(snap.ChannelID)
	return nil
}

// Expire retires an abandoned session: a SELECTING one the buyer walked away
// from, or an AWAITING_PAYMENT one whose charge the gateway still reports
// open past the configured maximum age. No stock or ledger effects; the
// gateway's own expiry handles any charge.
func (s *Service) Expire(_ context.Context, sessionID string) error {
	snap, err := s.retire(sessionID, StateExpired)
	if err != nil {
		return err
	}

	s.publishExpired(snap)
	s.scheduleTeardown(snap.ChannelID)
	return nil
}

// ApplyChargeStatus folds one gateway status observation into the session.
// Approved settles; a terminal declined status cancels with no stock or
// ledger effect; anything else leaves the session untouched.
func (s *Service) ApplyChargeStatus(ctx context.Context, sessionID string, st pix.Status) error {
	switch {
	case st == pix.StatusApproved:
		return s.settle(ctx, sessionID)
	case st.TerminalDeclined():
		snap, err := s.retire(sessionID, StateCancelled)
		if err != nil {
			if errors.Is(err, ErrWrongState) || errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		}
		s.publishCancelled(snap, string(st))
		if err := s.Platform.Send(ctx, snap.ChannelID, declinedMessage(st)); err != nil {
			log.Printf("storefront: send declined notice to channel %s: %v", snap.ChannelID, err)
		}
		s.scheduleTeardown(snap.ChannelID)
		return nil
	default:
		return nil
	}
}

// Awaiting returns a snapshot of every session currently AWAITING_PAYMENT,
// in no particular order.
func (s *Service) Awaiting() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Snapshot
	for _, sess := range s.sessions {
		if sess.State == StateAwaitingPayment {
			out = append(out, sess.snapshot())
		}
	}
	return out
}

// ActiveSessions returns snapshots of every non-terminal session.
func (s *Service) ActiveSessions() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// SessionByChannel resolves the session opened in a given channel, which is
// how interactive callbacks address a session before a charge exists.
func (s *Service) SessionByChannel(channelID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.ChannelID == channelID {
			return sess.snapshot(), nil
		}
	}
	return Snapshot{}, ErrSessionNotFound
}

// settle applies the durable effects of an approved charge exactly once:
// stock minus one, one ledger entry, session out of the active set. The whole
// transition runs under mu; a second observation of the same approval finds
// the session gone and does nothing.
func (s *Service) settle(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.State != StateAwaitingPayment || sess.Charge == nil {
		s.mu.Unlock()
		return nil
	}
	chargeID := sess.Charge.ID

	claimed := true
	if s.Dedup != nil {
		var err error
		claimed, err = s.Dedup.Claim(ctx, chargeID)
		if err != nil {
			log.Printf("storefront: dedup claim for charge %s: %v", chargeID, err)
		}
	}
	if !claimed {
		// The claim alone is not proof of settlement: a crash between the
		// claim and the ledger append leaves the key set with no entry
		// behind it. Skip only when the ledger confirms the charge.
		settled, err := s.Ledger.Contains(chargeID, sess.ChargedAt, time.Now().UTC())
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("settle charge %s: %w", chargeID, err)
		}
		if settled {
			snap := s.dropLocked(sess, StateSettled)
			s.mu.Unlock()
			s.scheduleTeardown(snap.ChannelID)
			return nil
		}
		log.Printf("storefront: stale settle claim for charge %s, applying effects", chargeID)
	}

	p, err := s.Catalog.AdjustStock(sess.ProductID, -1)
	if err != nil {
		s.releaseClaim(ctx, chargeID)
		s.mu.Unlock()
		return fmt.Errorf("settle charge %s: %w", chargeID, err)
	}

	entry := ledger.Entry{
		ChargeID:    chargeID,
		ProductID:   sess.ProductID,
		ProductName: p.Name,
		Amount:      sess.Charge.Amount,
		BuyerID:     sess.BuyerID,
		SettledAt:   time.Now().UTC(),
	}
	if err := s.Ledger.Append(entry); err != nil {
		// Undo the decrement so stock and ledger cannot diverge; the next
		// cycle retries the whole settlement.
		if _, rbErr := s.Catalog.AdjustStock(sess.ProductID, +1); rbErr != nil {
			log.Printf("storefront: restock %s after ledger failure: %v", sess.ProductID, rbErr)
		}
		s.releaseClaim(ctx, chargeID)
		s.mu.Unlock()
		return fmt.Errorf("settle charge %s: %w", chargeID, err)
	}

	snap := s.dropLocked(sess, StateSettled)
	s.mu.Unlock()

	s.publishSettled(entry)
	if err := s.Platform.Send(ctx, snap.ChannelID, approvedMessage(p)); err != nil {
		log.Printf("storefront: send approval notice to channel %s: %v", snap.ChannelID, err)
	}
	s.scheduleTeardown(snap.ChannelID)
	return nil
}

func (s *Service) releaseClaim(ctx context.Context, chargeID string) {
	if s.Dedup != nil {
		s.Dedup.Release(ctx, chargeID)
	}
}

// retire moves a session to a terminal state and removes it from the active
// set, atomically with respect to concurrent transitions.
func (s *Service) retire(sessionID string, to State) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	if !CanTransition(sess.State, to) {
		return Snapshot{}, ErrWrongState
	}
	return s.dropLocked(sess, to), nil
}

// dropLocked finalizes the state and unindexes the session. Caller holds mu.
func (s *Service) dropLocked(sess *Session, to State) Snapshot {
	sess.State = to
	if sess.Charge != nil {
		delete(s.byCharge, sess.Charge.ID)
	}
	delete(s.sessions, sess.ID)
	return sess.snapshot()
}

// scheduleTeardown deletes the purchase channel after the grace delay so the
// buyer can read the final message. Fire-and-forget.
func (s *Service) scheduleTeardown(channelID string) {
	time.AfterFunc(s.Grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Platform.DeleteChannel(ctx, channelID); err != nil {
			log.Printf("storefront: tear down channel %s: %v", channelID, err)
		}
	})
}

func channelSlug(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
}

func cartMessage(buyerID string, p catalog.Product) platform.Message {
	return platform.Message{
		Content: fmt.Sprintf("<@%s>", buyerID),
		Embed: &platform.Embed{
			Title: "🛒 Carrinho",
			Description: fmt.Sprintf("**Produto:** %s\n**Preço:** R$ %s\n**Descrição:** %s",
				p.Name, p.Price.StringFixed(2), p.Description),
		},
	}
}

func paymentMessage(p catalog.Product, c pix.Charge) platform.Message {
	return platform.Message{
		Embed: &platform.Embed{
			Title: "💰 Pagamento PIX",
			Description: fmt.Sprintf("**Produto:** %s\n**Valor:** R$ %s",
				p.Name, c.Amount.StringFixed(2)),
			Fields: []platform.Field{
				{Name: "QR Code PIX", Value: fmt.Sprintf("```%s```", c.QRPayload)},
				{Name: "Código PIX", Value: fmt.Sprintf("```%s```", c.CodePayload)},
			},
			Footer: "Escaneie o QR Code ou copie o código PIX para pagar",
		},
	}
}

func approvedMessage(p catalog.Product) platform.Message {
	return platform.Message{
		Embed: &platform.Embed{
			Title:       "✅ Pagamento Aprovado!",
			Description: fmt.Sprintf("Seu pagamento para %s foi aprovado!", p.Name),
		},
	}
}

func declinedMessage(st pix.Status) platform.Message {
	return platform.Message{
		Content: fmt.Sprintf("❌ Pagamento não aprovado (%s). A compra foi cancelada.", st),
	}
}

// ---- admin surface (called by the chat collaborator, which enforces the
// elevated-privilege check) ----

// AddProduct validates raw form input and registers a new product.
func (s *Service) AddProduct(name, rawPrice, rawStock, description string) (catalog.Product, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(rawPrice))
	if err != nil || price.IsNegative() {
		return catalog.Product{}, ErrInvalidPrice
	}
	stock, err := strconv.Atoi(strings.TrimSpace(rawStock))
	if err != nil || stock < 0 {
		return catalog.Product{}, ErrInvalidStock
	}

	p := catalog.Product{
		ID:          s.Catalog.NextID(),
		Name:        name,
		Price:       price,
		Stock:       stock,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Catalog.Put(p); err != nil {
		return catalog.Product{}, err
	}
	return p, nil
}

// ProductUpdate carries the optional fields of an update; nil means keep.
type ProductUpdate struct {
	Price       *decimal.Decimal
	Stock       *int
	Description *string
}

func (s *Service) UpdateProduct(id string, upd ProductUpdate) (catalog.Product, error) {
	p, err := s.Catalog.Get(id)
	if err != nil {
		return catalog.Product{}, err
	}
	if upd.Price != nil {
		if upd.Price.IsNegative() {
			return catalog.Product{}, ErrInvalidPrice
		}
		p.Price = *upd.Price
	}
	if upd.Stock != nil {
		if *upd.Stock < 0 {
			return catalog.Product{}, ErrInvalidStock
		}
		p.Stock = *upd.Stock
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if err := s.Catalog.Put(p); err != nil {
		return catalog.Product{}, err
	}
	return p, nil
}

func (s *Service) RemoveProduct(id string) error {
	if _, err := s.Catalog.Get(id); err != nil {
		return err
	}
	return s.Catalog.Remove(id)
}

// Listing returns the storefront contents, stable by product id.
func (s *Service) Listing() []catalog.Product {
	return s.Catalog.List()
}

// PerformanceReport aggregates settled sales over the trailing window.
func (s *Service) PerformanceReport(days int) (ledger.Report, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -(days - 1))

	var entries []ledger.Entry
	for e, err := range s.Ledger.QueryRange(from, now) {
		if err != nil {
			return ledger.Report{}, err
		}
		entries = append(entries, e)
	}
	return ledger.BuildReport(ledger.Aggregate(entries), days, 5), nil
}
