package purchase_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/puzzle-purchases/internal/core/events"
	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
)

// mockStore mirrors the database contract: a unique idempotency key and
// conditional writes on status and version.
type mockStore struct {
	mu      sync.Mutex
	byID    map[string]*purchase.Purchase
	byKey   map[string]string
	audits     []*purchase.AuditEntry
	creates    int
	reconciled []string

	findError        error
	updateFailures   int
	updateError      error
	createError      error
	updateStatusHook func(current *purchase.Purchase, to purchase.Status)
}

func newMockStore() *mockStore {
	return &mockStore{
		byID:  make(map[string]*purchase.Purchase),
		byKey: make(map[string]string),
	}
}

func clonePurchase(p *purchase.Purchase) *purchase.Purchase {
	c := *p
	return &c
}

func (m *mockStore) Create(ctx context.Context, p *purchase.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createError != nil {
		return m.createError
	}
	if _, taken := m.byKey[p.IdempotencyKey]; taken {
		return purchase.ErrDuplicateKey
	}
	m.creates++
	m.byID[p.ID] = clonePurchase(p)
	m.byKey[p.IdempotencyKey] = p.ID
	return nil
}

func (m *mockStore) FindByID(ctx context.Context, id string) (*purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findError != nil {
		return nil, m.findError
	}
	p, ok := m.byID[id]
	if !ok || p.IsDeleted() {
		return nil, purchase.ErrPurchaseNotFound
	}
	return clonePurchase(p), nil
}

func (m *mockStore) FindByIdempotencyKey(ctx context.Context, key string) (*purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findError != nil {
		return nil, m.findError
	}
	id, ok := m.byKey[key]
	if !ok {
		return nil, purchase.ErrPurchaseNotFound
	}
	return clonePurchase(m.byID[id]), nil
}

func (m *mockStore) UpdateStatus(ctx context.Context, current *purchase.Purchase, to purchase.Status, changes purchase.Changes) (*purchase.Purchase, error) {
	if m.updateStatusHook != nil {
		m.updateStatusHook(current, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateError != nil {
		return nil, m.updateError
	}
	if m.updateFailures > 0 {
		m.updateFailures--
		return nil, errors.New("connection reset by peer")
	}
	stored, ok := m.byID[current.ID]
	if !ok {
		return nil, purchase.ErrPurchaseNotFound
	}
	if !purchase.CanTransition(current.Status, to) {
		return nil, purchase.ErrInvalidTransition
	}
	if stored.Status != current.Status || stored.Version != current.Version {
		return nil, purchase.ErrStatusConflict
	}

	stored.Status = to
	stored.Version++
	stored.UpdatedAt = time.Now()
	if changes.GatewayIntentID != nil {
		stored.GatewayIntentID = changes.GatewayIntentID
	}
	if changes.ContinuationTokenHash != nil {
		stored.ContinuationTokenHash = changes.ContinuationTokenHash
	}
	if changes.ReceiptRef != nil {
		stored.ReceiptRef = changes.ReceiptRef
	}
	if changes.DeclineCode != nil {
		stored.DeclineCode = changes.DeclineCode
	}
	if changes.ClaimedAt != nil {
		stored.ClaimedAt = *changes.ClaimedAt
	}
	return clonePurchase(stored), nil
}

func (m *mockStore) UpdateMetadata(ctx context.Context, current *purchase.Purchase, metadata map[string]interface{}) (*purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[current.ID]
	if !ok || stored.IsDeleted() {
		return nil, purchase.ErrPurchaseNotFound
	}
	if !stored.IsTerminal() {
		return nil, purchase.ErrNotTerminal
	}
	if stored.Version != current.Version {
		return nil, purchase.ErrStatusConflict
	}
	stored.Metadata = metadata
	stored.Version++
	return clonePurchase(stored), nil
}

func (m *mockStore) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok || stored.IsDeleted() {
		return purchase.ErrPurchaseNotFound
	}
	if !stored.IsTerminal() {
		return purchase.ErrNotTerminal
	}
	now := time.Now()
	stored.DeletedAt = &now
	return nil
}

func (m *mockStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*purchase.Purchase
	for _, p := range m.byID {
		if p.UserID == userID && !p.IsDeleted() {
			out = append(out, clonePurchase(p))
		}
	}
	return out, nil
}

func (m *mockStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*purchase.Purchase
	for _, p := range m.byID {
		if !p.IsTerminal() && p.UpdatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, clonePurchase(p))
		}
	}
	return out, nil
}

func (m *mockStore) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return purchase.ErrPurchaseNotFound
	}
	stamp := at
	stored.ReconciledAt = &stamp
	m.reconciled = append(m.reconciled, id)
	return nil
}

func (m *mockStore) RecordAudit(ctx context.Context, entry *purchase.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *mockStore) reconciledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reconciled...)
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *mockStore) get(id string) *purchase.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byID[id]; ok {
		return clonePurchase(p)
	}
	return nil
}

// mockGateway answers with scripted outcomes and counts every call.
type mockGateway struct {
	createFn  func(req gateway.IntentRequest) gateway.Outcome
	confirmFn func(intentID, token string) gateway.Outcome
	queryFn   func(intentID string) gateway.Outcome
	delay     time.Duration

	createCalls  int32
	confirmCalls int32
	queryCalls   int32
}

func (g *mockGateway) wait(ctx context.Context) bool {
	if g.delay <= 0 {
		return true
	}
	select {
	case <-time.After(g.delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (g *mockGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) gateway.Outcome {
	atomic.AddInt32(&g.createCalls, 1)
	if !g.wait(ctx) {
		return gateway.TransientError{Cause: ctx.Err()}
	}
	if g.createFn == nil {
		return gateway.Succeeded{IntentID: "pi_1", ReceiptRef: "ch_1"}
	}
	return g.createFn(req)
}

func (g *mockGateway) ConfirmIntent(ctx context.Context, intentID, token string) gateway.Outcome {
	atomic.AddInt32(&g.confirmCalls, 1)
	if !g.wait(ctx) {
		return gateway.TransientError{Cause: ctx.Err()}
	}
	if g.confirmFn == nil {
		return gateway.Succeeded{IntentID: intentID, ReceiptRef: "ch_1"}
	}
	return g.confirmFn(intentID, token)
}

func (g *mockGateway) QueryIntent(ctx context.Context, intentID string) gateway.Outcome {
	atomic.AddInt32(&g.queryCalls, 1)
	if !g.wait(ctx) {
		return gateway.TransientError{Cause: ctx.Err()}
	}
	if g.queryFn == nil {
		return gateway.TransientError{Cause: errors.New("still processing")}
	}
	return g.queryFn(intentID)
}

func (g *mockGateway) creates() int  { return int(atomic.LoadInt32(&g.createCalls)) }
func (g *mockGateway) confirms() int { return int(atomic.LoadInt32(&g.confirmCalls)) }
func (g *mockGateway) queries() int  { return int(atomic.LoadInt32(&g.queryCalls)) }

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*purchase.Purchase
	gets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*purchase.Purchase)}
}

func (c *memoryCache) Get(ctx context.Context, key string) (*purchase.Purchase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if p, ok := c.entries[key]; ok {
		return clonePurchase(p), nil
	}
	return nil, nil
}

func (c *memoryCache) Put(ctx context.Context, p *purchase.Purchase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p.IdempotencyKey] = clonePurchase(p)
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memoryCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}
