package settlement

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"study-payment-svc/models"
)

// memStore is an in-memory Store with the same claim and completion rules as PostgresStore.
type memStore struct {
	mu          sync.Mutex
	settlements map[int64]*models.Settlement
	items       map[int64]*models.SettlementItem
	nextID      int64
}

func newMemStore() *memStore {
	return &memStore{
		settlements: make(map[int64]*models.Settlement),
		items:       make(map[int64]*models.SettlementItem),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) settlement(id int64) models.Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.settlements[id]
}

func (m *memStore) itemsOf(settlementID int64) []models.SettlementItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemsLocked(settlementID)
}

func (m *memStore) itemsLocked(settlementID int64) []models.SettlementItem {
	var out []models.SettlementItem
	for _, item := range m.items {
		if item.SettlementID == settlementID {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) isClaimable(s *models.Settlement, now, leaseCutoff time.Time) bool {
	if s.ExhaustedAt != nil {
		return false
	}
	switch s.Status {
	case models.SettlementStatusPending, models.SettlementStatusFailed:
		return s.AttemptCount == 0 || (s.RetryAfter != nil && !s.RetryAfter.After(now))
	case models.SettlementStatusProcessing:
		return s.ClaimedAt != nil && s.ClaimedAt.Before(leaseCutoff)
	}
	return false
}

func (m *memStore) GetByStudy(ctx context.Context, studyID int64) (*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.settlements {
		if s.StudyID == studyID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) Create(ctx context.Context, study models.CompletedStudy) (*models.Settlement, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.settlements {
		if s.StudyID == study.StudyID {
			cp := *s
			return &cp, false, nil
		}
	}

	items := buildItems(study)
	s := &models.Settlement{ID: m.id(), StudyID: study.StudyID, Status: models.SettlementStatusPending}
	if len(items) == 0 {
		s.Status = models.SettlementStatusCompleted
	}
	m.settlements[s.ID] = s
	for _, item := range items {
		item.ID = m.id()
		item.SettlementID = s.ID
		m.items[item.ID] = &item
	}
	cp := *s
	return &cp, true, nil
}

func (m *memStore) ListClaimable(ctx context.Context, now, leaseCutoff time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, s := range m.settlements {
		if m.isClaimable(s, now, leaseCutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) Claim(ctx context.Context, id int64, now, leaseCutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[id]
	if !ok || !m.isClaimable(s, now, leaseCutoff) {
		return false, nil
	}
	s.Status = models.SettlementStatusProcessing
	s.ClaimedAt = &now
	return true, nil
}

func (m *memStore) Items(ctx context.Context, settlementID int64) ([]models.SettlementItem, error) {
	return m.itemsOf(settlementID), nil
}

func (m *memStore) MarkItemProcessing(ctx context.Context, itemID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[itemID]
	if item.Status == models.SettlementStatusCompleted {
		return false, nil
	}
	item.Status = models.SettlementStatusProcessing
	return true, nil
}

func (m *memStore) CompleteItem(ctx context.Context, itemID int64, transactionID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[itemID]
	item.Status = models.SettlementStatusCompleted
	item.RefundTransactionID = transactionID
	return nil
}

func (m *memStore) FailItem(ctx context.Context, itemID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[itemID]
	if item.Status != models.SettlementStatusCompleted {
		item.Status = models.SettlementStatusFailed
		item.LastError = &reason
	}
	return nil
}

func (m *memStore) Complete(ctx context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settlements[id]
	for _, item := range m.itemsLocked(id) {
		if item.Status != models.SettlementStatusCompleted {
			return &models.TransitionError{Entity: "settlement", Key: strconv.FormatInt(id, 10), From: "unfinished", To: "COMPLETED"}
		}
	}
	if s.Status != models.SettlementStatusProcessing {
		return &models.TransitionError{Entity: "settlement", Key: strconv.FormatInt(id, 10), From: string(s.Status), To: "COMPLETED"}
	}
	s.Status = models.SettlementStatusCompleted
	s.CompletedAt = &now
	s.ClaimedAt = nil
	return nil
}

func (m *memStore) Fail(ctx context.Context, id int64, reason string, now time.Time, policy RetryPolicy) (*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settlements[id]
	if s.Status != models.SettlementStatusProcessing {
		return nil, &models.TransitionError{Entity: "settlement", Key: strconv.FormatInt(id, 10), From: string(s.Status), To: "FAILED"}
	}
	s.AttemptCount++
	retryAfter := now.Add(policy.Backoff(s.AttemptCount))
	s.RetryAfter = &retryAfter
	if policy.Exhausted(s.AttemptCount) {
		s.ExhaustedAt = &now
	}
	s.Status = models.SettlementStatusFailed
	s.LastError = &reason
	s.ClaimedAt = nil
	cp := *s
	return &cp, nil
}

func (m *memStore) Get(ctx context.Context, id int64) (*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrSettlementNotFound, id)
	}
	cp := *s
	cp.Items = m.itemsLocked(id)
	return &cp, nil
}

func (m *memStore) ListExhausted(ctx context.Context, limit int) ([]models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Settlement
	for _, s := range m.settlements {
		if s.ExhaustedAt != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) Retry(ctx context.Context, id int64, now time.Time) (*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrSettlementNotFound, id)
	}
	if s.Status != models.SettlementStatusFailed {
		return nil, &models.TransitionError{Entity: "settlement", Key: strconv.FormatInt(id, 10), From: string(s.Status), To: "PENDING"}
	}
	s.ExhaustedAt = nil
	s.AttemptCount = 0
	s.RetryAfter = nil
	cp := *s
	return &cp, nil
}

type fakeStudyClient struct {
	mu      sync.Mutex
	studies []models.CompletedStudy
	settled []int64
}

func (f *fakeStudyClient) ListCompletedStudiesForSettlement(ctx context.Context, limit int) ([]models.CompletedStudy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CompletedStudy
	for _, s := range f.studies {
		if !contains(f.settled, s.StudyID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStudyClient) MarkStudySettled(ctx context.Context, studyID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, studyID)
	return nil
}

func (f *fakeStudyClient) settledStudies() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.settled...)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// fakeMemberClient deduplicates grants on the idempotency key like the real member service.
type fakeMemberClient struct {
	mu      sync.Mutex
	calls   map[int64]int
	granted map[string]int64
	fail    func(memberID int64, call int) error
}

func newFakeMemberClient() *fakeMemberClient {
	return &fakeMemberClient{
		calls:   make(map[int64]int),
		granted: make(map[string]int64),
	}
}

func (f *fakeMemberClient) AddPoints(ctx context.Context, memberID, amount int64, reason, idempotencyKey string) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[memberID]++
	if f.fail != nil {
		if err := f.fail(memberID, f.calls[memberID]); err != nil {
			return nil, err
		}
	}
	if _, ok := f.granted[idempotencyKey]; !ok {
		f.granted[idempotencyKey] = amount
	}
	txID := "tx-" + idempotencyKey
	return &txID, nil
}

func (f *fakeMemberClient) callsFor(memberID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[memberID]
}

func (f *fakeMemberClient) totalGranted() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, amount := range f.granted {
		total += amount
	}
	return total
}

type fakeLocker struct {
	held bool
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func() { l.held = false }, true, nil
}
