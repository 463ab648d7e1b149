package exam

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type grant struct {
	ref           string
	participantID string
	testType      TestType
	pool          PoolID
	approved      bool
	expiresAt     time.Time
	uses          int
}

// MemoryStore is an in-process remote store used in dev mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	questions   map[string]Question
	pools       map[PoolID][]string
	assignments map[TestType]PoolID
	grants      map[string]*grant
	submissions map[string]Submission
}

func NewInMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		questions:   map[string]Question{},
		pools:       map[PoolID][]string{},
		assignments: map[TestType]PoolID{},
		grants:      map[string]*grant{},
		submissions: map[string]Submission{},
	}
}

// PutQuestions adds or replaces questions in the bank.
func (m *MemoryStore) PutQuestions(qs ...Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range qs {
		m.questions[q.ID] = q
	}
}

// AssignPool creates pool with the given questions and assigns it to testType.
func (m *MemoryStore) AssignPool(testType TestType, pool PoolID, questionIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[pool] = append([]string(nil), questionIDs...)
	m.assignments[testType] = pool
}

// Grant records an approved access grant and returns its reference.
func (m *MemoryStore) Grant(participantID string, testType TestType, pool PoolID, expiresAt time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := uuid.NewString()
	m.grants[ref] = &grant{ref: ref, participantID: participantID, testType: testType, pool: pool, approved: true, expiresAt: expiresAt}
	return ref
}

// GrantUses reports how many times a grant was consumed.
func (m *MemoryStore) GrantUses(ref string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.grants[ref]; ok {
		return g.uses
	}
	return 0
}

// SetRetakeAllowed is the admin release workflow for a single submission.
func (m *MemoryStore) SetRetakeAllowed(submissionID string, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.submissions[submissionID]; ok {
		s.RetakeAllowed = allowed
		m.submissions[submissionID] = s
	}
}

func (m *MemoryStore) AssignedPool(_ context.Context, testType TestType) (PoolID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.assignments[testType]
	return p, ok, nil
}

func (m *MemoryStore) HasAccess(_ context.Context, participantID string, testType TestType, pool PoolID) (AccessCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	reason := "not_requested"
	for _, g := range m.grants {
		if g.participantID != participantID || g.testType != testType || g.pool != pool {
			continue
		}
		switch {
		case !g.approved:
			reason = "pending"
		case !g.expiresAt.IsZero() && now.After(g.expiresAt):
			if reason == "not_requested" {
				reason = "expired"
			}
		default:
			return AccessCheck{Granted: true, GrantRef: g.ref}, nil
		}
	}
	return AccessCheck{Granted: false, Reason: reason}, nil
}

func (m *MemoryStore) RequestAccess(_ context.Context, participantID string, testType TestType, pool PoolID, _ string) (AccessRequestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.participantID == participantID && g.testType == testType && g.pool == pool && !g.approved {
			return AccessRequestResult{Success: false, Message: "request already pending"}, nil
		}
	}
	ref := uuid.NewString()
	m.grants[ref] = &grant{ref: ref, participantID: participantID, testType: testType, pool: pool}
	return AccessRequestResult{Success: true, Message: "access requested"}, nil
}

func (m *MemoryStore) UseAccess(_ context.Context, grantRef string) (UseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[grantRef]
	if !ok {
		return UseResult{Expired: true}, nil
	}
	g.uses++
	return UseResult{Expired: !g.expiresAt.IsZero() && m.now().After(g.expiresAt)}, nil
}

func (m *MemoryStore) ListQuestions(_ context.Context, scope QuestionScope) ([]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Question
	if scope.PoolID != "" {
		for _, id := range m.pools[scope.PoolID] {
			if q, ok := m.questions[id]; ok {
				out = append(out, q)
			}
		}
		return out, nil
	}
	for _, q := range m.questions {
		if q.TestType == scope.TestType {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, s Submission) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.submissions[s.ID]; ok {
		return existing, nil
	}
	m.submissions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) ListByParticipantAndType(_ context.Context, participantID string, testType TestType, courseSessionID string) ([]Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Submission
	for _, s := range m.submissions {
		if s.ParticipantID == participantID && s.TestType == testType && s.CourseSessionID == courseSessionID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// Count returns the number of stored submissions.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.submissions)
}
