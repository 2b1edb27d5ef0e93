package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rezkam/mono/internal/domain"
)

// TestArchiveDeadLetter_GCS exercises the store against a real bucket
// when one is configured, following the same opt-in pattern as the
// rest of this service's storage tests.
func TestArchiveDeadLetter_GCS(t *testing.T) {
	bucket := os.Getenv("TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("TEST_GCS_BUCKET not set, skipping GCS tests")
	}

	ctx := context.Background()
	store, err := New(ctx, bucket, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer store.Close()

	rec := store.NewDeadLetterRecord("challenge.update", "test-correlation")
	store.ArchiveDeadLetter(ctx, rec, []byte(`{"hello":"world"}`))

	body, err := store.ReadDeadLetter(ctx, rec.ObjectKey)
	if err != nil {
		t.Fatalf("unexpected error reading back: %v", err)
	}
	if string(body) != `{"hello":"world"}` {
		t.Fatalf("unexpected body: %s", body)
	}

	summary := domain.RecoverySummary{StartedAt: time.Now(), Status: "completed"}
	if err := store.WriteRecoverySummary(ctx, summary); err != nil {
		t.Fatalf("unexpected error writing recovery summary: %v", err)
	}
}

func TestObjectKey_IsDateNamespacedByCorrelationID(t *testing.T) {
	s := &Store{bucket: "dead-letters-bucket"}
	at := time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC)

	key := s.objectKey("corr-123", at)

	want := "dead-letters/2026/03/05/corr-123.json"
	if key != want {
		t.Fatalf("objectKey() = %q, want %q", key, want)
	}
}

func TestNewDeadLetterRecord_UsesInjectedClock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Store{bucket: "b", clock: func() time.Time { return fixed }}

	rec := s.NewDeadLetterRecord("challenge.update", "corr-1")

	if rec.CorrelationID != "corr-1" || rec.OriginalTopic != "challenge.update" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.ArchivedAt.Equal(fixed) {
		t.Fatalf("expected ArchivedAt to use injected clock, got %v", rec.ArchivedAt)
	}
}
