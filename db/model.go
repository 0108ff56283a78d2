package db

import "time"

// Event severity levels, matching what the ingestion API accepts.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "INFO"
	SeverityWarn     EventSeverity = "WARN"
	SeverityError    EventSeverity = "ERROR"
	SeverityCritical EventSeverity = "CRITICAL"
)

// Incident lifecycle states. RESOLVED is terminal; nothing transitions out of it.
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "OPEN"
	IncidentStatusInvestigating IncidentStatus = "INVESTIGATING"
	IncidentStatusResolved      IncidentStatus = "RESOLVED"
)

// Stream record types appended to the platform event stream.
const (
	StreamEventIngested   = "EVENT_INGESTED"
	StreamAnomalyDetected = "ANOMALY_DETECTED"
	StreamIncidentCreated = "INCIDENT_CREATED"
	StreamIncidentUpdated = "INCIDENT_UPDATED"
)

// Event is an ingested application event. This core only reads events
// (trailing-window queries) and links them to incidents; ingestion owns writes.
type Event struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	ProjectID      string                 `json:"project_id"`
	Source         string                 `json:"source"`
	Type           string                 `json:"type"`
	Severity       EventSeverity          `json:"severity"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Incident is the system of record for an error-rate incident.
// Invariant: at most one incident per (organization, project) may be in
// OPEN or INVESTIGATING at any time.
type Incident struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ProjectID      string         `json:"project_id"`
	Status         IncidentStatus `json:"status"`
	Severity       string         `json:"severity"`
	Summary        string         `json:"summary"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IncidentEvent links an incident to a sampled source event. Rows are
// insert-only; duplicates are ignored at the store layer.
type IncidentEvent struct {
	IncidentID string `json:"incident_id"`
	EventID    string `json:"event_id"`
}

// AnomalyJob is the payload enqueued once per ingested error-severity event.
type AnomalyJob struct {
	OrganizationID string        `json:"organizationId"`
	ProjectID      string        `json:"projectId"`
	EventID        string        `json:"eventId"`
	Severity       EventSeverity `json:"severity"`
	TimestampMs    int64         `json:"timestamp"`
}

// OccurredAt converts the job's millisecond timestamp to a time.Time.
func (j AnomalyJob) OccurredAt() time.Time {
	return time.UnixMilli(j.TimestampMs).UTC()
}
