package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/models"
	"github.com/shopspring/decimal"
)

// In-memory stores with the same guards as the Postgres ones.

type fakeLedger struct {
	mu       sync.Mutex
	balances map[int64]decimal.Decimal
	refs     map[string]string
	entries  []models.LedgerEntry

	// creditErr, when set, can fail a credit before it is applied.
	creditErr func(CreditRequest) error
	// loseDebitAck applies the next debit but reports a failure.
	loseDebitAck bool
}

var _ Ledger = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[int64]decimal.Decimal{}, refs: map[string]string{}}
}

func (f *fakeLedger) fund(accountID int64, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[accountID] = decimal.RequireFromString(amount)
}

func (f *fakeLedger) apply(accountID int64, delta decimal.Decimal, reason, ref string) (string, error) {
	if id, ok := f.refs[ref]; ok && ref != "" {
		return id, nil
	}
	before, ok := f.balances[accountID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	after := before.Add(delta)
	if after.IsNegative() {
		return "", fmt.Errorf("%w: account %d", ErrInsufficientFunds, accountID)
	}

	id := "e" + strconv.Itoa(len(f.entries)+1)
	f.balances[accountID] = after
	r := ref
	f.entries = append(f.entries, models.LedgerEntry{ID: id, AccountID: accountID, Delta: delta, BalanceAfter: after, Reason: reason, ExternalRef: &r})
	if ref != "" {
		f.refs[ref] = id
	}
	return id, nil
}

func (f *fakeLedger) Credit(ctx context.Context, req CreditRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := validateAmount(req.Amount); err != nil {
		return "", err
	}
	if f.creditErr != nil {
		if err := f.creditErr(req); err != nil {
			return "", err
		}
	}
	return f.apply(req.AccountID, req.Amount, req.Reason, req.ExternalRef)
}

func (f *fakeLedger) Debit(ctx context.Context, req DebitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := validateAmount(req.Amount); err != nil {
		return "", err
	}
	id, err := f.apply(req.AccountID, req.Amount.Neg(), req.Reason, req.Reference)
	if err == nil && f.loseDebitAck {
		f.loseDebitAck = false
		return "", fmt.Errorf("commit acknowledgement lost")
	}
	return id, err
}

func (f *fakeLedger) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[accountID], nil
}

func (f *fakeLedger) HasEntry(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.refs[ref]
	return ok, nil
}

func (f *fakeLedger) has(ref string) bool {
	ok, _ := f.HasEntry(context.Background(), ref)
	return ok
}

func (f *fakeLedger) balance(accountID int64) string {
	b, _ := f.Balance(context.Background(), accountID)
	return b.StringFixed(2)
}

type fakeListings struct {
	mu      sync.Mutex
	ledger  *fakeLedger
	timeout time.Duration
	feeRate decimal.Decimal
	rows    map[int64]*models.Listing
	nextID  int64
}

var _ ListingStore = (*fakeListings)(nil)

func newFakeListings(ledger *fakeLedger, timeout time.Duration) *fakeListings {
	return &fakeListings{ledger: ledger, timeout: timeout, rows: map[int64]*models.Listing{}}
}

func (f *fakeListings) add(l models.Listing) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	l.ID = f.nextID
	if l.State == "" {
		l.State = models.ListingListed
	}
	f.rows[l.ID] = &l
	return l.ID
}

func (f *fakeListings) snapshot(id int64) models.Listing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func (f *fakeListings) state(id int64) models.ListingState {
	return f.snapshot(id).State
}

func (f *fakeListings) Get(ctx context.Context, listingID int64) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.rows[listingID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrListingNotFound, listingID)
	}
	cp := *l
	return &cp, nil
}

func (f *fakeListings) byCode(code string) *models.Listing {
	var found *models.Listing
	for _, l := range f.rows {
		if l.BuyingCode != code {
			continue
		}
		if found == nil || (!l.State.Terminal() && found.State.Terminal()) {
			found = l
		}
	}
	return found
}

func (f *fakeListings) GetByCode(ctx context.Context, code string) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.byCode(code)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrListingNotFound, code)
	}
	cp := *l
	return &cp, nil
}

func (f *fakeListings) Reserve(ctx context.Context, code string, buyerID int64, purchaseID string, now time.Time) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.byCode(code)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrListingNotFound, code)
	}

	takeover := l.State == models.ListingReserved && l.ReservationExpiresAt.Before(now) &&
		!f.ledger.has(purchaseRef(*l.PurchaseID))
	switch {
	case l.SellerID == buyerID && l.State == models.ListingListed:
		return nil, fmt.Errorf("%w: %s", ErrOwnListing, code)
	case l.State == models.ListingListed || takeover:
	case l.State == models.ListingReserved || l.State == models.ListingSold || l.State == models.ListingTransferPending:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReserved, code)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrListingUnavailable, code, l.State)
	}

	expires := now.Add(f.timeout)
	amount := l.Price.Mul(decimal.NewFromInt(1).Add(f.feeRate)).Round(2)
	l.State = models.ListingReserved
	l.ReservedBy = &buyerID
	l.PurchaseID = &purchaseID
	l.ReservationExpiresAt = &expires
	l.SaleAmount = &amount
	cp := *l
	return &cp, nil
}

func (f *fakeListings) clear(l *models.Listing) {
	l.State = models.ListingListed
	l.ReservedBy = nil
	l.PurchaseID = nil
	l.ReservationExpiresAt = nil
	l.SaleAmount = nil
	l.AssignedSessionID = nil
	l.TransferStartedAt = nil
}

func heldBy(l *models.Listing, purchaseID string) bool {
	return l.PurchaseID != nil && *l.PurchaseID == purchaseID
}

func (f *fakeListings) ReleaseReservation(ctx context.Context, listingID int64, purchaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l := f.rows[listingID]; l != nil && heldBy(l, purchaseID) && l.State == models.ListingReserved {
		f.clear(l)
	}
	return nil
}

func (f *fakeListings) MarkSold(ctx context.Context, listingID int64, purchaseID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.rows[listingID]
	if l == nil || !heldBy(l, purchaseID) || l.State != models.ListingReserved || !l.ReservationExpiresAt.After(now) {
		return fmt.Errorf("%w: listing %d", ErrExpiredReservation, listingID)
	}
	l.State = models.ListingSold
	return nil
}

func (f *fakeListings) MarkTransferPending(ctx context.Context, listingID int64, purchaseID string, sessionID int64, claimDeadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.rows[listingID]
	if l == nil || !heldBy(l, purchaseID) || l.State != models.ListingSold {
		return fmt.Errorf("%w: listing %d", ErrInvalidTransition, listingID)
	}
	l.State = models.ListingTransferPending
	l.AssignedSessionID = &sessionID
	l.ReservationExpiresAt = &claimDeadline
	return nil
}

func (f *fakeListings) BeginTransfer(ctx context.Context, listingID, buyerID int64, now time.Time) (*models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.rows[listingID]
	switch {
	case l == nil:
		return nil, ErrListingNotFound
	case l.ReservedBy == nil || *l.ReservedBy != buyerID:
		return nil, ErrNotOwner
	case l.State != models.ListingTransferPending:
		return nil, ErrInvalidTransition
	case l.TransferStartedAt != nil:
		return nil, ErrTransferInProgress
	case !l.ReservationExpiresAt.After(now):
		return nil, ErrExpiredReservation
	}
	l.TransferStartedAt = &now
	cp := *l
	return &cp, nil
}

func (f *fakeListings) AbortTransfer(ctx context.Context, listingID int64, purchaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l := f.rows[listingID]; l != nil && heldBy(l, purchaseID) && l.State == models.ListingTransferPending {
		l.TransferStartedAt = nil
	}
	return nil
}

func (f *fakeListings) Complete(ctx context.Context, listingID int64, purchaseID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.rows[listingID]
	if l == nil || !heldBy(l, purchaseID) || l.State != models.ListingTransferPending {
		return fmt.Errorf("%w: listing %d", ErrInvalidTransition, listingID)
	}
	l.State = models.ListingCompleted
	l.CompletedAt = &now
	return nil
}

func (f *fakeListings) Rollback(ctx context.Context, listingID int64, purchaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.rows[listingID]
	if l == nil || !heldBy(l, purchaseID) {
		return fmt.Errorf("%w: listing %d", ErrInvalidTransition, listingID)
	}
	switch l.State {
	case models.ListingReserved, models.ListingSold, models.ListingTransferPending:
		f.clear(l)
		return nil
	}
	return fmt.Errorf("%w: listing %d is %s", ErrInvalidTransition, listingID, l.State)
}

func (f *fakeListings) ExpireStale(ctx context.Context, now time.Time) ([]models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Listing
	for _, l := range f.sorted() {
		if l.State == models.ListingReserved && l.ReservationExpiresAt.Before(now) && !f.ledger.has(purchaseRef(*l.PurchaseID)) {
			f.clear(l)
			out = append(out, *l)
		}
	}
	return out, nil
}

func (f *fakeListings) ListOverdue(ctx context.Context, now time.Time) ([]models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Listing
	for _, l := range f.sorted() {
		switch l.State {
		case models.ListingReserved, models.ListingSold, models.ListingTransferPending:
			if l.ReservationExpiresAt.Before(now) && l.TransferStartedAt == nil {
				out = append(out, *l)
			}
		}
	}
	return out, nil
}

func (f *fakeListings) ListStuckTransfers(ctx context.Context, startedBefore time.Time) ([]models.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Listing
	for _, l := range f.sorted() {
		if l.State == models.ListingTransferPending && l.TransferStartedAt != nil && l.TransferStartedAt.Before(startedBefore) {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (f *fakeListings) sorted() []*models.Listing {
	out := make([]*models.Listing, 0, len(f.rows))
	for _, l := range f.rows {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fakeSession struct {
	inUseBy *int64
	healthy bool
	cause   string
}

type fakePool struct {
	mu       sync.Mutex
	listings *fakeListings
	sessions map[int64]*fakeSession
}

var _ SessionPool = (*fakePool)(nil)

func newFakePool(listings *fakeListings, ids ...int64) *fakePool {
	p := &fakePool{listings: listings, sessions: map[int64]*fakeSession{}}
	for _, id := range ids {
		p.sessions[id] = &fakeSession{healthy: true}
	}
	return p
}

func (p *fakePool) ids() []int64 {
	ids := make([]int64, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *fakePool) holder(sessionID int64) *int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sessionID].inUseBy
}

func (p *fakePool) healthy(sessionID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sessionID].healthy
}

func (p *fakePool) Acquire(ctx context.Context, listingID, preferredSessionID int64) (*SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.ids() {
		if s := p.sessions[id]; s.inUseBy != nil && *s.inUseBy == listingID {
			return &SessionHandle{SessionID: id, ListingID: listingID}, nil
		}
	}

	candidates := p.ids()
	if s, ok := p.sessions[preferredSessionID]; ok && s.healthy && s.inUseBy == nil {
		candidates = []int64{preferredSessionID}
	}
	for _, id := range candidates {
		if s := p.sessions[id]; s.healthy && s.inUseBy == nil {
			lid := listingID
			s.inUseBy = &lid
			return &SessionHandle{SessionID: id, ListingID: listingID}, nil
		}
	}
	return nil, ErrNoSessionAvailable
}

func (p *fakePool) Release(ctx context.Context, handle *SessionHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[handle.SessionID]; ok && s.inUseBy != nil && *s.inUseBy == handle.ListingID {
		s.inUseBy = nil
	}
	return nil
}

func (p *fakePool) MarkUnhealthy(ctx context.Context, sessionID int64, cause string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[sessionID]; ok {
		s.healthy = false
		s.cause = cause
	}
	return nil
}

func (p *fakePool) Open(ctx context.Context, sessionID int64) (agent.SessionRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[sessionID]; !ok {
		return agent.SessionRef{}, ErrSessionNotFound
	}
	return agent.SessionRef{SessionID: sessionID, SessionString: "session-" + strconv.FormatInt(sessionID, 10)}, nil
}

func (p *fakePool) ReleaseOrphans(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, s := range p.sessions {
		if s.inUseBy == nil {
			continue
		}
		switch p.listings.state(*s.inUseBy) {
		case models.ListingSold, models.ListingTransferPending:
		default:
			s.inUseBy = nil
			n++
		}
	}
	return n, nil
}

type fakeCompensations struct {
	mu            sync.Mutex
	markers       map[string]*models.Compensation
	interventions []*models.ManualIntervention
	nextID        int64
}

var _ CompensationStore = (*fakeCompensations)(nil)

func newFakeCompensations() *fakeCompensations {
	return &fakeCompensations{markers: map[string]*models.Compensation{}}
}

func (f *fakeCompensations) CreateMarker(ctx context.Context, c *models.Compensation) (*models.Compensation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.markers[c.Reference]; ok {
		cp := *existing
		return &cp, nil
	}
	f.nextID++
	stored := *c
	stored.ID = f.nextID
	stored.State = models.CompensationPending
	f.markers[c.Reference] = &stored
	cp := stored
	return &cp, nil
}

func (f *fakeCompensations) find(id int64) *models.Compensation {
	for _, c := range f.markers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (f *fakeCompensations) MarkCompleted(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(id); c != nil {
		c.State = models.CompensationCompleted
	}
	return nil
}

func (f *fakeCompensations) RecordAttempt(ctx context.Context, id int64, attempts int, lastErr string, escalate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(id)
	if c == nil || c.State == models.CompensationCompleted {
		return nil
	}
	c.Attempts = attempts
	c.LastError = lastErr
	c.State = models.CompensationPending
	if escalate {
		c.State = models.CompensationEscalated
	}
	return nil
}

func (f *fakeCompensations) ListPending(ctx context.Context) ([]models.Compensation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Compensation
	for _, c := range f.markers {
		if c.State == models.CompensationPending {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCompensations) GetByReference(ctx context.Context, ref string) (*models.Compensation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.markers[ref]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCompensations) marker(ref string) *models.Compensation {
	c, _ := f.GetByReference(context.Background(), ref)
	return c
}

func (f *fakeCompensations) CreateIntervention(ctx context.Context, mi *models.ManualIntervention) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, open := range f.interventions {
		if open.ResolvedAt == nil && open.Kind == mi.Kind && open.ListingID != nil && mi.ListingID != nil && *open.ListingID == *mi.ListingID {
			return nil
		}
	}
	f.nextID++
	stored := *mi
	stored.ID = f.nextID
	f.interventions = append(f.interventions, &stored)
	return nil
}

func (f *fakeCompensations) GetIntervention(ctx context.Context, id int64) (*models.ManualIntervention, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, mi := range f.interventions {
		if mi.ID == id {
			cp := *mi
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrInterventionNotFound, id)
}

func (f *fakeCompensations) ResolveIntervention(ctx context.Context, id, adminID int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, mi := range f.interventions {
		if mi.ID == id && mi.ResolvedAt == nil {
			mi.ResolvedAt = &now
			mi.ResolvedBy = &adminID
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrInterventionNotFound, id)
}

func (f *fakeCompensations) ListOpenInterventions(ctx context.Context) ([]models.ManualIntervention, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ManualIntervention
	for _, mi := range f.interventions {
		if mi.ResolvedAt == nil {
			out = append(out, *mi)
		}
	}
	return out, nil
}

func (f *fakeCompensations) open(kind models.InterventionKind) []models.ManualIntervention {
	all, _ := f.ListOpenInterventions(context.Background())
	var out []models.ManualIntervention
	for _, mi := range all {
		if mi.Kind == kind {
			out = append(out, mi)
		}
	}
	return out
}
