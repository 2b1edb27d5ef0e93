// Package archive is the Dead-Letter Archiver: it copies dead-lettered
// message bytes and recovery run summaries to long-term object storage
// so operators can inspect what the bus router gave up on without
// keeping that payload in the broker's DLQ topic indefinitely.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"

	"github.com/rezkam/mono/internal/domain"
)

// Store is a GCS-backed implementation of egress.ArchiveSink.
type Store struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a Store against bucket. The client is assumed to already
// be authenticated, e.g. via GOOGLE_APPLICATION_CREDENTIALS.
func New(ctx context.Context, bucket string, logger *slog.Logger) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, bucket: bucket, logger: logger, clock: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) objectKey(correlationID string, at time.Time) string {
	return fmt.Sprintf("dead-letters/%s/%s.json", at.Format("2006/01/02"), correlationID)
}

// ArchiveDeadLetter satisfies egress.ArchiveSink. Failures are logged,
// never returned: archival must never affect the ingress dispatch
// path that triggered it.
func (s *Store) ArchiveDeadLetter(ctx context.Context, rec domain.ArchivedDeadLetter, body []byte) {
	if err := s.writeDeadLetter(ctx, rec, body); err != nil {
		s.logger.Error("archive dead letter failed", "correlation_id", rec.CorrelationID, "object_key", rec.ObjectKey, "error", err)
	}
}

func (s *Store) writeDeadLetter(ctx context.Context, rec domain.ArchivedDeadLetter, body []byte) error {
	obj := s.client.Bucket(s.bucket).Object(rec.ObjectKey)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{
		"original_topic": rec.OriginalTopic,
		"correlation_id": rec.CorrelationID,
		"archived_at":    rec.ArchivedAt.Format(time.RFC3339),
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("write dead letter object: %w", err)
	}
	return w.Close()
}

// NewDeadLetterRecord builds the ArchivedDeadLetter to pass alongside
// ArchiveDeadLetter, deriving the object key from the correlation id
// and the current date; the topic is recorded but not part of the key.
func (s *Store) NewDeadLetterRecord(topic, correlationID string) domain.ArchivedDeadLetter {
	now := s.clock()
	return domain.ArchivedDeadLetter{
		ObjectKey:     s.objectKey(correlationID, now),
		OriginalTopic: topic,
		CorrelationID: correlationID,
		ArchivedAt:    now,
	}
}

// WriteRecoverySummary persists the outcome of one startup recovery
// run for later inspection.
func (s *Store) WriteRecoverySummary(ctx context.Context, summary domain.RecoverySummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal recovery summary: %w", err)
	}

	key := fmt.Sprintf("recovery-runs/%s.json", summary.StartedAt.Format("20060102T150405Z"))
	obj := s.client.Bucket(s.bucket).Object(key)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write recovery summary object: %w", err)
	}
	return w.Close()
}

// ReadDeadLetter fetches back a previously archived dead letter's raw
// bytes, used by operator tooling.
func (s *Store) ReadDeadLetter(ctx context.Context, objectKey string) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(objectKey)
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("dead letter not found: %s", objectKey)
		}
		return nil, fmt.Errorf("read dead letter object: %w", err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read dead letter body: %w", err)
	}
	return buf.Bytes(), nil
}
