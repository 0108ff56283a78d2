package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/risk-engine/core/db"
	"github.com/risk-engine/core/internal/config"
	"github.com/risk-engine/core/services"
)

// IncidentStore is the slice of the incident service the workers need.
type IncidentStore interface {
	RecentErrorEvents(ctx context.Context, orgID, projectID string, until time.Time, window time.Duration) ([]db.Event, error)
	CreateIncident(ctx context.Context, orgID, projectID, severity, summary string) (*db.Incident, error)
	UpdateStatusIf(ctx context.Context, incidentID string, from, to db.IncidentStatus) (bool, error)
	AttachEvents(ctx context.Context, incidentID string, eventIDs []string) error
}

// Coordinator is the slice of the coordination service the workers need.
type Coordinator interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	SetRef(ctx context.Context, key string, ref services.IncidentRef, ttl time.Duration) error
	SetRefKeepTTL(ctx context.Context, key string, ref services.IncidentRef) error
	GetRef(ctx context.Context, key string) (services.IncidentRef, bool, error)
	DeleteIfExpiring(ctx context.Context, key string, threshold time.Duration) (services.ExpiryCheckResult, error)
	ScanInvestigatingKeys(ctx context.Context) ([]string, error)
}

// EventNotifier publishes lifecycle records to the event stream.
type EventNotifier interface {
	EmitAnomalyDetected(ctx context.Context, orgID, projectID string, errorCount, windowSeconds int) error
	EmitIncidentCreated(ctx context.Context, incident *db.Incident) error
	EmitIncidentUpdated(ctx context.Context, orgID, projectID, incidentID string, status db.IncidentStatus) error
}

// JobQueue is the consuming side of the anomaly job queue.
type JobQueue interface {
	Read(ctx context.Context, batchSize int) ([]services.QueueMessage, error)
	Delete(ctx context.Context, msgID int64) error
	Archive(ctx context.Context, msgID int64) error
}

// AnomalyWorker consumes detection jobs and drives the incident state machine.
// Any number of worker processes may run this loop against the same queue;
// correctness comes from the coordination keys and conditioned writes, not
// from being the only consumer.
type AnomalyWorker struct {
	Queue     JobQueue
	Incidents IncidentStore
	Coord     Coordinator
	Notifier  EventNotifier
	Cfg       config.Config
}

func NewAnomalyWorker(queue JobQueue, incidents IncidentStore, coord Coordinator, notifier EventNotifier, cfg config.Config) *AnomalyWorker {
	return &AnomalyWorker{
		Queue:     queue,
		Incidents: incidents,
		Coord:     coord,
		Notifier:  notifier,
		Cfg:       cfg,
	}
}

// Start polls the queue until the context is cancelled.
func (w *AnomalyWorker) Start(ctx context.Context) {
	log.Printf("Anomaly worker started, consuming queue %q", w.Cfg.AnomalyQueueName)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Anomaly worker stopping")
			return
		case <-ticker.C:
			w.drainBatch(ctx)
		}
	}
}

func (w *AnomalyWorker) drainBatch(ctx context.Context) {
	messages, err := w.Queue.Read(ctx, w.Cfg.QueueBatchSize)
	if err != nil {
		log.Printf("Anomaly worker: failed to read queue: %v", err)
		return
	}

	for _, msg := range messages {
		if err := w.ProcessJob(ctx, msg.Job); err != nil {
			log.Printf("Anomaly worker: job %d failed (read %d): %v", msg.MsgID, msg.ReadCount, err)

			// Leave the message for visibility-timeout redelivery unless it
			// has already burned through its retries.
			if msg.ReadCount >= w.Cfg.QueueMaxReads {
				log.Printf("Anomaly worker: archiving poison message %d", msg.MsgID)
				if err := w.Queue.Archive(ctx, msg.MsgID); err != nil {
					log.Printf("Anomaly worker: failed to archive message %d: %v", msg.MsgID, err)
				}
			}
			continue
		}

		if err := w.Queue.Delete(ctx, msg.MsgID); err != nil {
			// The job succeeded but the ack failed; the redelivered run is a
			// no-op because every step below is idempotent.
			log.Printf("Anomaly worker: failed to ack message %d: %v", msg.MsgID, err)
		}
	}
}

// ProcessJob runs one detection. Returning an error puts the whole job back on
// the queue, which is safe: every write is idempotent or conditioned on the
// state it expects.
func (w *AnomalyWorker) ProcessJob(ctx context.Context, job db.AnomalyJob) error {
	recent, err := w.Incidents.RecentErrorEvents(ctx, job.OrganizationID, job.ProjectID, job.OccurredAt(), w.Cfg.DetectionWindow())
	if err != nil {
		return err
	}

	errorCount := len(recent)
	if errorCount <= w.Cfg.ErrorCountThreshold {
		// The common case: nothing anomalous, no side effects.
		return nil
	}

	if err := w.Notifier.EmitAnomalyDetected(ctx, job.OrganizationID, job.ProjectID, errorCount, w.Cfg.DetectionWindowSeconds); err != nil {
		log.Printf("Anomaly worker: failed to emit anomaly record for %s/%s: %v", job.OrganizationID, job.ProjectID, err)
	}

	sample := sampleEventIDs(recent, w.Cfg.IncidentEventSample)

	activeKey := services.ActiveKey(job.OrganizationID, job.ProjectID)
	investigatingKey := services.InvestigatingKey(job.OrganizationID, job.ProjectID)

	activeRef, activePresent, err := w.Coord.GetRef(ctx, activeKey)
	if err != nil {
		return err
	}

	var investigatingRef services.IncidentRef
	var investigatingPresent bool
	if !activePresent {
		investigatingRef, investigatingPresent, err = w.Coord.GetRef(ctx, investigatingKey)
		if err != nil {
			return err
		}
	}

	switch DecideDetection(activePresent, investigatingPresent) {
	case DetectionRefresh:
		return w.refreshIncident(ctx, activeKey, activeRef, sample)
	case DetectionReopen:
		return w.reopenIncident(ctx, job, activeKey, investigatingKey, investigatingRef, sample)
	default:
		return w.createIncident(ctx, job, activeKey, investigatingKey, errorCount, sample)
	}
}

// refreshIncident handles a detection while the incident is already hot:
// attach the sample and push the active window out to its full duration.
func (w *AnomalyWorker) refreshIncident(ctx context.Context, activeKey string, ref services.IncidentRef, sample []string) error {
	if err := w.Incidents.AttachEvents(ctx, ref.IncidentID, sample); err != nil {
		return err
	}

	return w.Coord.SetRef(ctx, activeKey, ref, w.Cfg.ActiveWindow())
}

// reopenIncident handles a re-spike on a quiet incident: reinstate the active
// key, restart the quiet window, and move the row back to OPEN if a sweep had
// already marked it INVESTIGATING.
func (w *AnomalyWorker) reopenIncident(ctx context.Context, job db.AnomalyJob, activeKey, investigatingKey string, ref services.IncidentRef, sample []string) error {
	if err := w.Incidents.AttachEvents(ctx, ref.IncidentID, sample); err != nil {
		return err
	}

	reopened := services.IncidentRef{
		IncidentID: ref.IncidentID,
		Status:     db.IncidentStatusOpen,
		CreatedAt:  ref.CreatedAt,
	}

	if err := w.Coord.SetRef(ctx, activeKey, reopened, w.Cfg.ActiveWindow()); err != nil {
		return err
	}
	if err := w.Coord.SetRef(ctx, investigatingKey, reopened, w.Cfg.QuietWindow()); err != nil {
		return err
	}

	changed, err := w.Incidents.UpdateStatusIf(ctx, ref.IncidentID, db.IncidentStatusInvestigating, db.IncidentStatusOpen)
	if err != nil {
		return err
	}

	if changed {
		log.Printf("Anomaly worker: incident %s re-spiked, back to OPEN", ref.IncidentID)
		if err := w.Notifier.EmitIncidentUpdated(ctx, job.OrganizationID, job.ProjectID, ref.IncidentID, db.IncidentStatusOpen); err != nil {
			log.Printf("Anomaly worker: failed to emit update for incident %s: %v", ref.IncidentID, err)
		}
	}

	return nil
}

// createIncident handles the no-incident case. The creation lock serializes
// concurrent workers racing for the same (organization, project) pair; losing
// the race is expected and silent. The lock is deliberately never released;
// its TTL expiring is what bounds how long a crashed holder can block a retry.
func (w *AnomalyWorker) createIncident(ctx context.Context, job db.AnomalyJob, activeKey, investigatingKey string, errorCount int, sample []string) error {
	acquired, err := w.Coord.AcquireLock(ctx, services.CreateLockKey(job.OrganizationID, job.ProjectID), w.Cfg.CreateLockTTL())
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	summary := fmt.Sprintf("High error rate detected: %d ERROR events in last %d seconds.", errorCount, w.Cfg.DetectionWindowSeconds)

	incident, err := w.Incidents.CreateIncident(ctx, job.OrganizationID, job.ProjectID, string(db.SeverityError), summary)
	if err != nil {
		return err
	}

	if err := w.Incidents.AttachEvents(ctx, incident.ID, sample); err != nil {
		return err
	}

	ref := services.IncidentRef{
		IncidentID: incident.ID,
		Status:     db.IncidentStatusOpen,
		CreatedAt:  incident.CreatedAt,
	}

	if err := w.Coord.SetRef(ctx, activeKey, ref, w.Cfg.ActiveWindow()); err != nil {
		return err
	}
	if err := w.Coord.SetRef(ctx, investigatingKey, ref, w.Cfg.QuietWindow()); err != nil {
		return err
	}

	log.Printf("Anomaly worker: created incident %s for %s/%s (%d errors)", incident.ID, job.OrganizationID, job.ProjectID, errorCount)

	if err := w.Notifier.EmitIncidentCreated(ctx, incident); err != nil {
		log.Printf("Anomaly worker: failed to emit created record for incident %s: %v", incident.ID, err)
	}

	return nil
}

func sampleEventIDs(events []db.Event, limit int) []string {
	if len(events) > limit {
		events = events[:limit]
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}
