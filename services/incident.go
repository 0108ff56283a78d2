package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/risk-engine/core/db"
)

// IncidentService is the relational system of record for incidents.
// Every status mutation is conditioned on the expected prior status so that
// concurrent workers can never silently overwrite a transition they did not
// observe. Rows-affected is the signal: 0 means someone else got there first.
type IncidentService struct {
	PG *sql.DB
}

func NewIncidentService(pg *sql.DB) *IncidentService {
	return &IncidentService{PG: pg}
}

// RecentErrorEvents returns ERROR-severity events for the project in the
// trailing window ending at `until`, most recent first.
func (s *IncidentService) RecentErrorEvents(ctx context.Context, orgID, projectID string, until time.Time, window time.Duration) ([]db.Event, error) {
	query := `
		SELECT id, organization_id, project_id, source, type, severity, occurred_at
		FROM events
		WHERE organization_id = $1
		  AND project_id = $2
		  AND severity = $3
		  AND occurred_at >= $4
		  AND occurred_at <= $5
		ORDER BY occurred_at DESC
	`

	rows, err := s.PG.QueryContext(ctx, query, orgID, projectID, db.SeverityError, until.Add(-window), until)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent error events: %w", err)
	}
	defer rows.Close()

	var events []db.Event
	for rows.Next() {
		var e db.Event
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ProjectID, &e.Source, &e.Type, &e.Severity, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// CreateIncident inserts a new OPEN incident and returns it.
func (s *IncidentService) CreateIncident(ctx context.Context, orgID, projectID, severity, summary string) (*db.Incident, error) {
	incident := &db.Incident{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		ProjectID:      projectID,
		Status:         db.IncidentStatusOpen,
		Severity:       severity,
		Summary:        summary,
	}

	query := `
		INSERT INTO incidents (id, organization_id, project_id, status, severity, summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	err := s.PG.QueryRowContext(ctx, query,
		incident.ID, incident.OrganizationID, incident.ProjectID,
		incident.Status, incident.Severity, incident.Summary,
	).Scan(&incident.CreatedAt, &incident.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert incident: %w", err)
	}

	return incident, nil
}

// UpdateStatusIf moves an incident from `from` to `to`. Returns true only when
// this call performed the transition; false means the incident was no longer
// in the expected status (another worker advanced it, or it never was).
func (s *IncidentService) UpdateStatusIf(ctx context.Context, incidentID string, from, to db.IncidentStatus) (bool, error) {
	query := `
		UPDATE incidents
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := s.PG.ExecContext(ctx, query, to, incidentID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update incident %s status: %w", incidentID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected == 1, nil
}

// AttachEvents links the sampled events to the incident. Duplicate links are
// ignored so a retried detection job cannot double-attach.
func (s *IncidentService) AttachEvents(ctx context.Context, incidentID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO incident_events (incident_id, event_id)
		VALUES ($1, $2)
		ON CONFLICT (incident_id, event_id) DO NOTHING
	`

	for _, eventID := range eventIDs {
		if _, err := s.PG.ExecContext(ctx, query, incidentID, eventID); err != nil {
			return fmt.Errorf("failed to attach event %s to incident %s: %w", eventID, incidentID, err)
		}
	}

	return nil
}

// GetIncident fetches a single incident, nil when it does not exist.
func (s *IncidentService) GetIncident(ctx context.Context, incidentID string) (*db.Incident, error) {
	query := `
		SELECT id, organization_id, project_id, status, severity, summary, created_at, updated_at
		FROM incidents
		WHERE id = $1
	`

	var incident db.Incident
	err := s.PG.QueryRowContext(ctx, query, incidentID).Scan(
		&incident.ID, &incident.OrganizationID, &incident.ProjectID,
		&incident.Status, &incident.Severity, &incident.Summary,
		&incident.CreatedAt, &incident.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", incidentID, err)
	}

	return &incident, nil
}
