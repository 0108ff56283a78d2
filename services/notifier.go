package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/risk-engine/core/db"
)

// StreamRecord is one typed entry on the platform event stream. The field set
// matches what the websocket broadcasters already consume: a generated record
// id, a record type, tenant scoping, and a JSON payload.
type StreamRecord struct {
	EventID        string          `json:"eventId"`
	Type           string          `json:"type"`
	OrganizationID string          `json:"organizationId"`
	ProjectID      string          `json:"projectId"`
	TimestampMs    int64           `json:"timestamp"`
	Data           json.RawMessage `json:"data"`
}

// Notifier appends typed records to the shared event stream. Appends are
// best-effort observability: callers log failures and move on, they never roll
// back a database write that already landed.
type Notifier struct {
	Redis      *redis.Client
	StreamName string
}

func NewNotifier(rdb *redis.Client, streamName string) *Notifier {
	return &Notifier{Redis: rdb, StreamName: streamName}
}

func (n *Notifier) append(ctx context.Context, recordType, orgID, projectID string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", recordType, err)
	}

	err = n.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: n.StreamName,
		Values: map[string]interface{}{
			"eventId":        uuid.New().String(),
			"type":           recordType,
			"organizationId": orgID,
			"projectId":      projectID,
			"timestamp":      time.Now().UnixMilli(),
			"data":           string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append %s to stream %s: %w", recordType, n.StreamName, err)
	}

	return nil
}

// EmitEventIngested publishes an ingestion record for a persisted event.
func (n *Notifier) EmitEventIngested(ctx context.Context, event db.Event) error {
	return n.append(ctx, db.StreamEventIngested, event.OrganizationID, event.ProjectID, map[string]interface{}{
		"eventId":    event.ID,
		"severity":   event.Severity,
		"occurredAt": event.OccurredAt.UTC().Format(time.RFC3339),
	})
}

// EmitAnomalyDetected publishes an anomaly observation, whether or not an
// incident results from it.
func (n *Notifier) EmitAnomalyDetected(ctx context.Context, orgID, projectID string, errorCount, windowSeconds int) error {
	return n.append(ctx, db.StreamAnomalyDetected, orgID, projectID, map[string]interface{}{
		"errorCount":    errorCount,
		"windowSeconds": windowSeconds,
	})
}

// EmitIncidentCreated publishes a freshly opened incident.
func (n *Notifier) EmitIncidentCreated(ctx context.Context, incident *db.Incident) error {
	return n.append(ctx, db.StreamIncidentCreated, incident.OrganizationID, incident.ProjectID, map[string]interface{}{
		"incidentId": incident.ID,
		"status":     incident.Status,
		"severity":   incident.Severity,
		"summary":    incident.Summary,
		"createdAt":  incident.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// EmitIncidentUpdated publishes a status transition.
func (n *Notifier) EmitIncidentUpdated(ctx context.Context, orgID, projectID, incidentID string, status db.IncidentStatus) error {
	return n.append(ctx, db.StreamIncidentUpdated, orgID, projectID, map[string]interface{}{
		"incidentId": incidentID,
		"status":     status,
	})
}

// StreamConsumer reads the platform stream through a named consumer group.
// Entries are acknowledged only after the handler succeeds, so unhandled
// entries are redelivered; handlers must be idempotent on the record's
// eventId.
type StreamConsumer struct {
	Redis      *redis.Client
	StreamName string
	Group      string
	Consumer   string
}

func NewStreamConsumer(rdb *redis.Client, streamName, group, consumer string) *StreamConsumer {
	return &StreamConsumer{
		Redis:      rdb,
		StreamName: streamName,
		Group:      group,
		Consumer:   consumer,
	}
}

// EnsureGroup creates the consumer group (and the stream, if needed). Safe to
// call on every start; an existing group is not an error.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.Redis.XGroupCreateMkStream(ctx, c.StreamName, c.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.Group, err)
	}
	return nil
}

// ReadBatch blocks up to `block` for new entries and hands each to the
// handler, acking on success. A handler error leaves the entry pending for
// redelivery.
func (c *StreamConsumer) ReadBatch(ctx context.Context, count int64, block time.Duration, handler func(StreamRecord) error) error {
	streams, err := c.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Group,
		Consumer: c.Consumer,
		Streams:  []string{c.StreamName, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read from stream %s: %w", c.StreamName, err)
	}

	for _, stream := range streams {
		dispatchStreamEntries(stream.Messages, handler, func(id string) error {
			return c.Redis.XAck(ctx, c.StreamName, c.Group, id).Err()
		})
	}

	return nil
}

// dispatchStreamEntries hands each entry to the handler, acking on success. A
// handler error leaves the entry pending for redelivery. A malformed entry
// will never parse, so it is acked and dropped to stop it cycling through the
// pending list.
func dispatchStreamEntries(msgs []redis.XMessage, handler func(StreamRecord) error, ack func(id string) error) {
	for _, msg := range msgs {
		record, err := parseStreamRecord(msg.Values)
		if err != nil {
			log.Printf("Stream consumer: dropping malformed entry %s: %v", msg.ID, err)
			_ = ack(msg.ID)
			continue
		}

		if err := handler(record); err != nil {
			log.Printf("Stream consumer: handler failed for entry %s, leaving pending: %v", msg.ID, err)
			continue
		}

		if err := ack(msg.ID); err != nil {
			log.Printf("Stream consumer: failed to ack entry %s: %v", msg.ID, err)
		}
	}
}

func parseStreamRecord(values map[string]interface{}) (StreamRecord, error) {
	str := func(field string) string {
		if v, ok := values[field].(string); ok {
			return v
		}
		return ""
	}

	record := StreamRecord{
		EventID:        str("eventId"),
		Type:           str("type"),
		OrganizationID: str("organizationId"),
		ProjectID:      str("projectId"),
		Data:           json.RawMessage(str("data")),
	}

	if record.EventID == "" || record.Type == "" {
		return StreamRecord{}, fmt.Errorf("stream entry missing eventId or type")
	}

	if raw := str("timestamp"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return StreamRecord{}, fmt.Errorf("bad stream entry timestamp %q: %w", raw, err)
		}
		record.TimestampMs = ts
	}

	return record, nil
}
