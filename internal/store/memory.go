package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

type outcomeKey struct {
	claimantID string
	sessionID  string
}

// MemoryStore is a Store held in process memory. A single mutex serialises
// every operation, which makes RecordOutcome linearizable per key.
type MemoryStore struct {
	mu        sync.Mutex
	retention time.Duration
	sessions  map[string]*models.Session
	outcomes  map[outcomeKey]*models.AttendanceOutcome
	activity  map[string][]models.ActivityEntry
}

// NewMemoryStore creates an empty MemoryStore. retention <= 0 uses DefaultRetention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		retention: retention,
		sessions:  make(map[string]*models.Session),
		outcomes:  make(map[outcomeKey]*models.AttendanceOutcome),
		activity:  make(map[string][]models.ActivityEntry),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session, supersede bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.SessionID]; ok {
		return nil, utils.New(utils.CodeStoreConflict, "session id already exists")
	}
	var superseded []string
	for id, existing := range m.sessions {
		if existing.LectureRef != s.LectureRef || existing.State != models.SessionActive || s.State != models.SessionActive {
			continue
		}
		if !supersede {
			return nil, utils.New(utils.CodeStoreConflict, "lecture already has an active session")
		}
		superseded = append(superseded, id)
	}
	for _, id := range superseded {
		m.sessions[id].State = models.SessionSuperseded
	}
	sort.Strings(superseded)
	m.sessions[s.SessionID] = copySession(s)
	return superseded, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, sessionID string, fn func(*models.Session) error) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, utils.ErrNotFound
	}
	working := copySession(s)
	if err := fn(working); err != nil {
		return nil, err
	}
	m.sessions[sessionID] = working
	return copySession(working), nil
}

func (m *MemoryStore) GetOutcome(_ context.Context, claimantID, sessionID string) (*models.AttendanceOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[outcomeKey{claimantID, sessionID}]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return copyOutcome(o), nil
}

func (m *MemoryStore) RecordOutcome(_ context.Context, o *models.AttendanceOutcome, entry models.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := outcomeKey{o.ClaimantID, o.SessionID}
	if _, exists := m.outcomes[key]; exists {
		return utils.ErrDuplicateClaim
	}
	m.outcomes[key] = copyOutcome(o)
	m.appendLocked(entry)
	return nil
}

func (m *MemoryStore) DeviceUses(_ context.Context, sessionID, deviceSignature string) ([]models.DeviceUse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var uses []models.DeviceUse
	for key, o := range m.outcomes {
		if key.sessionID == sessionID && deviceSignature != "" && o.DeviceSignature == deviceSignature {
			uses = append(uses, models.DeviceUse{ClaimantID: o.ClaimantID, SubmittedAt: o.SubmittedAt})
		}
	}
	sort.Slice(uses, func(i, j int) bool { return uses[i].SubmittedAt.Before(uses[j].SubmittedAt) })
	return uses, nil
}

func (m *MemoryStore) ListOutcomes(_ context.Context, sessionID string) ([]*models.AttendanceOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AttendanceOutcome
	for key, o := range m.outcomes {
		if key.sessionID == sessionID {
			out = append(out, copyOutcome(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *MemoryStore) AppendActivity(_ context.Context, entry models.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(entry)
	return nil
}

func (m *MemoryStore) RecentActivity(_ context.Context, claimantID string, since time.Time) ([]models.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ActivityEntry
	for _, e := range m.activity[claimantID] {
		if !e.SubmittedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// appendLocked keeps the claimant's window sorted and drops entries older
// than retention relative to the newest entry.
func (m *MemoryStore) appendLocked(entry models.ActivityEntry) {
	window := append(m.activity[entry.ClaimantID], entry)
	sort.SliceStable(window, func(i, j int) bool { return window[i].SubmittedAt.Before(window[j].SubmittedAt) })

	cutoff := window[len(window)-1].SubmittedAt.Add(-m.retention)
	i := 0
	for i < len(window) && window[i].SubmittedAt.Before(cutoff) {
		i++
	}
	m.activity[entry.ClaimantID] = append([]models.ActivityEntry(nil), window[i:]...)
}

// Snapshot is the serialisable content of a MemoryStore.
type Snapshot struct {
	Sessions []*models.Session                 `json:"sessions"`
	Outcomes []*models.AttendanceOutcome       `json:"outcomes"`
	Activity map[string][]models.ActivityEntry `json:"activity"`
}

// Export returns a deep copy of the store content.
func (m *MemoryStore) Export() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{Activity: make(map[string][]models.ActivityEntry, len(m.activity))}
	for _, s := range m.sessions {
		snap.Sessions = append(snap.Sessions, copySession(s))
	}
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].SessionID < snap.Sessions[j].SessionID })
	for _, o := range m.outcomes {
		snap.Outcomes = append(snap.Outcomes, copyOutcome(o))
	}
	sort.Slice(snap.Outcomes, func(i, j int) bool {
		if snap.Outcomes[i].SessionID != snap.Outcomes[j].SessionID {
			return snap.Outcomes[i].SessionID < snap.Outcomes[j].SessionID
		}
		return snap.Outcomes[i].ClaimantID < snap.Outcomes[j].ClaimantID
	})
	for k, v := range m.activity {
		snap.Activity[k] = append([]models.ActivityEntry(nil), v...)
	}
	return snap
}

// Import replaces the store content with snap.
func (m *MemoryStore) Import(snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = make(map[string]*models.Session, len(snap.Sessions))
	for _, s := range snap.Sessions {
		m.sessions[s.SessionID] = copySession(s)
	}
	m.outcomes = make(map[outcomeKey]*models.AttendanceOutcome, len(snap.Outcomes))
	for _, o := range snap.Outcomes {
		m.outcomes[outcomeKey{o.ClaimantID, o.SessionID}] = copyOutcome(o)
	}
	m.activity = make(map[string][]models.ActivityEntry, len(snap.Activity))
	for k, v := range snap.Activity {
		m.activity[k] = append([]models.ActivityEntry(nil), v...)
	}
}

func copySession(s *models.Session) *models.Session {
	c := *s
	if s.AnchorLocation != nil {
		loc := *s.AnchorLocation
		c.AnchorLocation = &loc
	}
	return &c
}

func copyOutcome(o *models.AttendanceOutcome) *models.AttendanceOutcome {
	c := *o
	c.Anomalies = make([]models.AnomalyFinding, len(o.Anomalies))
	for i, f := range o.Anomalies {
		f.Evidence = copyEvidence(f.Evidence)
		c.Anomalies[i] = f
	}
	return &c
}

func copyEvidence(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
