package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/risk-engine/core/db"
)

// QueueMessage is one delivery of an anomaly job from PGMQ. ReadCount lets the
// consumer spot poison messages that keep failing and archive them instead of
// retrying forever.
type QueueMessage struct {
	MsgID      int64
	ReadCount  int
	EnqueuedAt time.Time
	Job        db.AnomalyJob
}

// AnomalyQueue is the at-least-once job queue feeding the detector, backed by
// the PGMQ extension. Reads take a visibility timeout: a message that is not
// deleted before the timeout lapses is redelivered to the next reader, which
// is the queue's whole retry policy.
type AnomalyQueue struct {
	PG                *sql.DB
	QueueName         string
	VisibilityTimeout time.Duration
}

func NewAnomalyQueue(pg *sql.DB, queueName string, visibilityTimeout time.Duration) *AnomalyQueue {
	return &AnomalyQueue{
		PG:                pg,
		QueueName:         queueName,
		VisibilityTimeout: visibilityTimeout,
	}
}

// Enqueue sends one detection job. Ingestion calls this once per persisted
// error-severity event.
func (q *AnomalyQueue) Enqueue(ctx context.Context, job db.AnomalyJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly job: %w", err)
	}

	if _, err := q.PG.ExecContext(ctx, `SELECT pgmq.send($1, $2)`, q.QueueName, string(payload)); err != nil {
		return fmt.Errorf("failed to enqueue anomaly job: %w", err)
	}

	return nil
}

// Read claims up to batchSize messages for the visibility-timeout window.
func (q *AnomalyQueue) Read(ctx context.Context, batchSize int) ([]QueueMessage, error) {
	query := `SELECT msg_id, read_ct, enqueued_at, message FROM pgmq.read($1, $2, $3)`

	rows, err := q.PG.QueryContext(ctx, query, q.QueueName, int(q.VisibilityTimeout.Seconds()), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read from queue %s: %w", q.QueueName, err)
	}
	defer rows.Close()

	var messages []QueueMessage
	for rows.Next() {
		var (
			msg QueueMessage
			raw []byte
		)
		if err := rows.Scan(&msg.MsgID, &msg.ReadCount, &msg.EnqueuedAt, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan queue message: %w", err)
		}
		if err := json.Unmarshal(raw, &msg.Job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal anomaly job %d: %w", msg.MsgID, err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// Delete acknowledges a successfully processed message.
func (q *AnomalyQueue) Delete(ctx context.Context, msgID int64) error {
	if _, err := q.PG.ExecContext(ctx, `SELECT pgmq.delete($1, $2::bigint)`, q.QueueName, msgID); err != nil {
		return fmt.Errorf("failed to delete message %d from queue %s: %w", msgID, q.QueueName, err)
	}
	return nil
}

// Archive moves a poison message to the queue's archive table so it stops
// being redelivered but stays inspectable.
func (q *AnomalyQueue) Archive(ctx context.Context, msgID int64) error {
	if _, err := q.PG.ExecContext(ctx, `SELECT pgmq.archive($1, $2::bigint)`, q.QueueName, msgID); err != nil {
		return fmt.Errorf("failed to archive message %d from queue %s: %w", msgID, q.QueueName, err)
	}
	return nil
}
