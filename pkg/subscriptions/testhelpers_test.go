package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/placebook/pkg/entitlements"
)

// fixed clock: mid March 2026
var testNow = time.Date(2026, time.March, 14, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type memStore struct {
	mu      sync.Mutex
	subs    map[entitlements.Scope]map[int64]*Subscription
	nextID  int64
	history []*HistoryEntry

	// conflicts is the number of conditional writes to reject before
	// letting one through.
	conflicts  int
	historyErr error
	expireErr  error
	// beforeCreate runs inside Create ahead of the uniqueness check
	beforeCreate func(m *memStore)
}

func newMemStore() *memStore {
	return &memStore{subs: map[entitlements.Scope]map[int64]*Subscription{
		entitlements.ScopeSite:  {},
		entitlements.ScopePlace: {},
	}}
}

func (m *memStore) add(scope entitlements.Scope, ownerID int64, plan entitlements.Plan, status Status, validUntil *time.Time) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := &Subscription{
		ID:              m.nextID,
		Scope:           scope,
		OwnerID:         ownerID,
		Plan:            plan,
		Status:          status,
		ValidUntil:      validUntil,
		StatusChangedAt: testNow.Add(-30 * 24 * time.Hour),
	}
	m.subs[scope][sub.ID] = sub
	cp := *sub
	return &cp
}

func (m *memStore) Get(_ context.Context, scope entitlements.Scope, id int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[scope][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *memStore) FindByOwner(_ context.Context, scope entitlements.Scope, ownerID int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *Subscription
	for _, sub := range m.subs[scope] {
		if sub.OwnerID == ownerID && (newest == nil || sub.ID > newest.ID) {
			newest = sub
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

// liveLocked reports whether the owner has a non-expired row other than id
func (m *memStore) liveLocked(scope entitlements.Scope, ownerID, id int64) bool {
	for _, sub := range m.subs[scope] {
		if sub.OwnerID == ownerID && sub.ID != id && sub.Status != StatusExpired {
			return true
		}
	}
	return false
}

func (m *memStore) Create(_ context.Context, scope entitlements.Scope, ownerID int64, plan entitlements.Plan, at time.Time) (*Subscription, error) {
	if hook := m.beforeCreate; hook != nil {
		m.beforeCreate = nil
		hook(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveLocked(scope, ownerID, 0) {
		return nil, ErrAlreadyExists
	}
	m.nextID++
	sub := &Subscription{ID: m.nextID, Scope: scope, OwnerID: ownerID, Plan: plan, Status: StatusActive, StatusChangedAt: at}
	m.subs[scope][sub.ID] = sub
	cp := *sub
	return &cp, nil
}

func (m *memStore) conflict() bool {
	if m.conflicts > 0 {
		m.conflicts--
		return true
	}
	return false
}

func (m *memStore) UpdateStatus(_ context.Context, scope entitlements.Scope, id int64, from, to Status, validUntil *time.Time, at time.Time) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[scope][id]
	if !ok || sub.Status != from || m.conflict() {
		return nil, ErrConflict
	}
	if to != StatusExpired && m.liveLocked(scope, sub.OwnerID, id) {
		return nil, ErrAlreadyExists
	}
	sub.Status = to
	sub.ValidUntil = validUntil
	sub.StatusChangedAt = at
	cp := *sub
	return &cp, nil
}

func (m *memStore) UpdatePlan(_ context.Context, scope entitlements.Scope, id int64, status Status, from, to entitlements.Plan) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[scope][id]
	if !ok || sub.Status != status || sub.Plan != from || m.conflict() {
		return nil, ErrConflict
	}
	sub.Plan = to
	cp := *sub
	return &cp, nil
}

func (m *memStore) ExpireDue(_ context.Context, scope entitlements.Scope, now time.Time) ([]Expired, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expireErr != nil {
		return nil, m.expireErr
	}
	var expired []Expired
	for _, sub := range m.subs[scope] {
		if (sub.Status == StatusActive || sub.Status == StatusCancelled) && sub.ValidUntil != nil && sub.ValidUntil.Before(now) {
			previous := sub.Status
			sub.Status = StatusExpired
			sub.StatusChangedAt = now
			expired = append(expired, Expired{Subscription: *sub, PreviousStatus: previous})
		}
	}
	return expired, nil
}

func (m *memStore) AppendHistory(_ context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return m.historyErr
	}
	cp := *entry
	cp.ID = int64(len(m.history) + 1)
	cp.CreatedAt = testNow
	m.history = append(m.history, &cp)
	return nil
}

func (m *memStore) ListHistory(_ context.Context, scope entitlements.Scope, subscriptionID int64, limit int) ([]*HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := []*HistoryEntry{}
	for i := len(m.history) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.history[i]
		if e.Scope == scope && e.SubscriptionID == subscriptionID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *memStore) historyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

type fixedUsage struct {
	usage entitlements.Usage
	err   error
}

func (f fixedUsage) Usage(context.Context, entitlements.Scope, int64) (entitlements.Usage, error) {
	return f.usage, f.err
}

func timePtr(t time.Time) *time.Time { return &t }

func newTestLifecycle(store *memStore, opts ...Option) *Lifecycle {
	return NewLifecycle(store, append([]Option{WithClock(fixedClock)}, opts...)...)
}
