package workers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/risk-engine/core/db"
	"github.com/risk-engine/core/internal/config"
	"github.com/risk-engine/core/services"
)

func testConfig() config.Config {
	return config.Config{
		AnomalyQueueName:       "anomaly-jobs",
		QueueBatchSize:         10,
		QueueMaxReads:          5,
		DetectionWindowSeconds: 60,
		ErrorCountThreshold:    10,
		IncidentEventSample:    10,
		ActiveWindowSeconds:    30,
		QuietWindowSeconds:     120,
		CreateLockTTLMs:        5000,
		SweepLockTTLMs:         30000,
		ResolveThresholdMs:     15000,
		SweepPeriodMs:          10000,
	}
}

// fakeCoordinator is an in-memory stand-in for the Redis coordination store.
// TTLs are not clocks here: tests set remaining TTLs directly to model elapsed
// time, and DeleteIfExpiring compares against them atomically under the mutex,
// mirroring the Lua script's exclusivity.
type fakeCoordinator struct {
	mu    sync.Mutex
	refs  map[string]services.IncidentRef
	ttls  map[string]time.Duration
	locks map[string]bool

	// scanGhosts are keys returned by the scan that no longer resolve,
	// simulating entries that expired between the scan and the read.
	scanGhosts []string

	// dropBeforeKeepTTL names a key whose TTL lapses right before the next
	// bookkeeping write, modeling expiry between a read and the rewrite.
	dropBeforeKeepTTL string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		refs:  make(map[string]services.IncidentRef),
		ttls:  make(map[string]time.Duration),
		locks: make(map[string]bool),
	}
}

func (f *fakeCoordinator) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeCoordinator) ReleaseLock(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	return nil
}

func (f *fakeCoordinator) SetRef(_ context.Context, key string, ref services.IncidentRef, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[key] = ref
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCoordinator) SetRefKeepTTL(_ context.Context, key string, ref services.IncidentRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.dropBeforeKeepTTL {
		delete(f.refs, key)
		delete(f.ttls, key)
	}
	// Set-if-exists, same as the XX write: an absent key stays absent.
	if _, ok := f.refs[key]; !ok {
		return nil
	}
	f.refs[key] = ref
	return nil
}

func (f *fakeCoordinator) GetRef(_ context.Context, key string) (services.IncidentRef, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refs[key]
	return ref, ok, nil
}

func (f *fakeCoordinator) DeleteIfExpiring(_ context.Context, key string, threshold time.Duration) (services.ExpiryCheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ttl, ok := f.ttls[key]
	if !ok {
		return services.ExpiryKeyGone, nil
	}
	if ttl > threshold {
		return services.ExpiryStillAlive, nil
	}
	delete(f.refs, key)
	delete(f.ttls, key)
	return services.ExpiryDeletedNow, nil
}

func (f *fakeCoordinator) ScanInvestigatingKeys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := append([]string(nil), f.scanGhosts...)
	for key := range f.refs {
		if strings.HasPrefix(key, "incident:investigating:") {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (f *fakeCoordinator) ttlOf(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

func (f *fakeCoordinator) lockHeld(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[key]
}

// fakeIncidentStore is an in-memory incident store with the same conditioned
// update semantics as the SQL one.
type fakeIncidentStore struct {
	mu        sync.Mutex
	recent    []db.Event
	recentErr error
	incidents map[string]*db.Incident
	attached  map[string]map[string]bool

	failStatusFor string // incident ID whose status updates error out
}

func newFakeIncidentStore() *fakeIncidentStore {
	return &fakeIncidentStore{
		incidents: make(map[string]*db.Incident),
		attached:  make(map[string]map[string]bool),
	}
}

func (f *fakeIncidentStore) RecentErrorEvents(_ context.Context, _, _ string, _ time.Time, _ time.Duration) ([]db.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, f.recentErr
}

func (f *fakeIncidentStore) CreateIncident(_ context.Context, orgID, projectID, severity, summary string) (*db.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	incident := &db.Incident{
		ID:             fmt.Sprintf("incident-%d", len(f.incidents)+1),
		OrganizationID: orgID,
		ProjectID:      projectID,
		Status:         db.IncidentStatusOpen,
		Severity:       severity,
		Summary:        summary,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	f.incidents[incident.ID] = incident
	return incident, nil
}

func (f *fakeIncidentStore) UpdateStatusIf(_ context.Context, incidentID string, from, to db.IncidentStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if incidentID == f.failStatusFor {
		return false, fmt.Errorf("simulated store failure for %s", incidentID)
	}

	incident, ok := f.incidents[incidentID]
	if !ok || incident.Status != from {
		return false, nil
	}
	incident.Status = to
	return true, nil
}

func (f *fakeIncidentStore) AttachEvents(_ context.Context, incidentID string, eventIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.attached[incidentID] == nil {
		f.attached[incidentID] = make(map[string]bool)
	}
	for _, id := range eventIDs {
		f.attached[incidentID][id] = true
	}
	return nil
}

func (f *fakeIncidentStore) seed(incident *db.Incident) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents[incident.ID] = incident
}

func (f *fakeIncidentStore) statusOf(incidentID string) db.IncidentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if incident, ok := f.incidents[incidentID]; ok {
		return incident.Status
	}
	return ""
}

func (f *fakeIncidentStore) incidentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.incidents)
}

func (f *fakeIncidentStore) attachedCount(incidentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attached[incidentID])
}

// recordingNotifier captures emitted records.
type recordingNotifier struct {
	mu        sync.Mutex
	anomalies int
	created   []string
	updated   []db.IncidentStatus
}

func (r *recordingNotifier) EmitAnomalyDetected(_ context.Context, _, _ string, _, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies++
	return nil
}

func (r *recordingNotifier) EmitIncidentCreated(_ context.Context, incident *db.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, incident.ID)
	return nil
}

func (r *recordingNotifier) EmitIncidentUpdated(_ context.Context, _, _, _ string, status db.IncidentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, status)
	return nil
}

func (r *recordingNotifier) updatedStatuses() []db.IncidentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]db.IncidentStatus(nil), r.updated...)
}

// fakeQueue delivers a fixed batch once and records acks and archives.
type fakeQueue struct {
	mu       sync.Mutex
	messages []services.QueueMessage
	deleted  []int64
	archived []int64
}

func (q *fakeQueue) Read(_ context.Context, _ int) ([]services.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.messages
	q.messages = nil
	return batch, nil
}

func (q *fakeQueue) Delete(_ context.Context, msgID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, msgID)
	return nil
}

func (q *fakeQueue) Archive(_ context.Context, msgID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.archived = append(q.archived, msgID)
	return nil
}

func errorEvents(n int) []db.Event {
	events := make([]db.Event, n)
	for i := range events {
		events[i] = db.Event{
			ID:       fmt.Sprintf("event-%d", i+1),
			Severity: db.SeverityError,
		}
	}
	return events
}
