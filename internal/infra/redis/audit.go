package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const auditStreamMaxLen = 100_000

// AuditEvent is one lifecycle record emitted by the pipeline: a lease, a
// stage outcome, a delay change, an IP refresh.
type AuditEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	DomainFull string    `json:"domain_full,omitempty"`
	Credential string    `json:"credential,omitempty"` // redacted key suffix
	Stage      string    `json:"stage,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// AuditSink appends pipeline events to a capped Redis stream. Writes are
// best effort: a failed append is logged and dropped, never surfaced to the
// worker path.
type AuditSink struct {
	rdb    *redis.Client
	stream string
	logger *slog.Logger
}

// NewAuditSink creates a sink writing to the given stream name.
func NewAuditSink(client *Client, stream string) *AuditSink {
	return &AuditSink{
		rdb:    client.rdb,
		stream: stream,
		logger: slog.Default().With("component", "audit"),
	}
}

// Record appends one event. The event ID is assigned here.
func (s *AuditSink) Record(ctx context.Context, ev AuditEvent) {
	ev.ID = uuid.NewString()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal audit event", "kind", ev.Kind, "error", err)
		return
	}

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: auditStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": data},
	}).Err()
	if err != nil {
		s.logger.Warn("failed to append audit event", "kind", ev.Kind, "error", err)
	}
}

// Recent returns up to count most recent events, newest first.
func (s *AuditSink) Recent(ctx context.Context, count int64) ([]AuditEvent, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange failed: %w", err)
	}

	events := make([]AuditEvent, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Len returns the current stream length.
func (s *AuditSink) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.XLen(ctx, s.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}
