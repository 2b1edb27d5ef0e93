// Package egress is the Event Egress Producer: it encodes payloads,
// publishes them behind a circuit breaker, and fans out best-effort
// audit/archive side effects that never slow down or fail the publish
// path itself.
package egress

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/rezkam/mono/internal/breaker"
	"github.com/rezkam/mono/internal/bus/codec"
	"github.com/rezkam/mono/internal/domain"
)

// MessageWriter is the subset of *kafka.Writer the producer needs,
// narrowed for testability.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// AuditSink records a fire attempt's outcome, fire-and-forget.
type AuditSink interface {
	RecordTransition(ctx context.Context, rec domain.TransitionAuditRecord)
}

// ArchiveSink copies dead-lettered bytes to long-term storage,
// fire-and-forget. NewDeadLetterRecord lets the sink own the object
// key format (date-namespaced) rather than have callers assume one.
type ArchiveSink interface {
	NewDeadLetterRecord(topic, correlationID string) domain.ArchivedDeadLetter
	ArchiveDeadLetter(ctx context.Context, rec domain.ArchivedDeadLetter, body []byte)
}

// Config names the topics this producer writes to and whether it
// should run in mock mode.
type Config struct {
	PhaseTransitionTopic string
	MockMode             bool
}

// Producer implements the Event Egress Producer described in §4.5.
type Producer struct {
	cfg     Config
	writer  MessageWriter
	codec   *codec.Codec
	cb      *breaker.Breaker
	audit   AuditSink
	archive ArchiveSink
	clock   func() time.Time
	logger  *slog.Logger
}

func New(cfg Config, writer MessageWriter, enc *codec.Codec, cb *breaker.Breaker, audit AuditSink, archive ArchiveSink, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{cfg: cfg, writer: writer, codec: enc, cb: cb, audit: audit, archive: archive, clock: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// Produce publishes a phase-transition payload, satisfying
// registry.Producer. It records a TransitionAuditRecord after the
// attempt regardless of outcome. The record's JobID is left empty:
// TransitionPayload carries no job ID.
func (p *Producer) Produce(ctx context.Context, payload domain.TransitionPayload) error {
	fp := domain.Fingerprint{ProjectID: payload.ProjectID, PhaseID: payload.PhaseID}
	err := p.publish(ctx, p.cfg.PhaseTransitionTopic, payload)

	if p.audit != nil {
		rec := domain.TransitionAuditRecord{
			Fingerprint:   fp,
			PhaseTypeName: payload.PhaseTypeName,
			State:         payload.State,
			FiredAt:       p.clock(),
			Outcome:       domain.AuditOutcomeSucceeded,
		}
		if err != nil {
			rec.Outcome = domain.AuditOutcomeFailed
			msg := err.Error()
			rec.ErrorMessage = &msg
		}
		p.audit.RecordTransition(ctx, rec)
	}

	return err
}

// ProduceBatch publishes payloads to topic, returning the first error
// encountered; each payload is still attempted (best-effort batch
// semantics matching the Adjustment Engine's Apply).
func (p *Producer) ProduceBatch(ctx context.Context, topic string, payloads []any) error {
	var firstErr error
	for _, payload := range payloads {
		if err := p.publish(ctx, topic, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Producer) publish(ctx context.Context, topic string, payload any) error {
	if p.cfg.MockMode {
		p.logger.InfoContext(ctx, "mock mode: suppressing publish", "topic", topic)
		return nil
	}

	env, err := codec.NewEnvelope(topic, payload, p.clock())
	if err != nil {
		return domain.NewBusProducerError(err)
	}
	body, err := p.codec.Encode(env)
	if err != nil {
		return domain.NewSchemaRegistryError(err)
	}

	msg := kafka.Message{
		Topic: topic,
		Value: body,
		Headers: []kafka.Header{
			{Key: "correlation-id", Value: []byte(uuid.NewString())},
			{Key: "timestamp", Value: []byte(strconv.FormatInt(p.clock().UnixMilli(), 10))},
		},
	}

	runErr := p.cb.Execute(ctx, func(ctx context.Context) error {
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			return domain.Transient(err)
		}
		return nil
	})
	if runErr != nil {
		return domain.NewBusProducerError(runErr)
	}
	return nil
}

// SendToDLQ forwards a message that failed ingress processing to
// "<originalTopic>.dlq" with its raw bytes base64-encoded alongside an
// error annotation, then archives a copy. DLQ delivery is governed
// solely by the bus; archive failures never block it.
func (p *Producer) SendToDLQ(ctx context.Context, originalTopic string, originalBytes []byte, causeErr error) error {
	correlationID := uuid.NewString()
	dlqTopic := originalTopic + ".dlq"

	dlqPayload := map[string]any{
		"originalTopic": originalTopic,
		"payload":       base64.StdEncoding.EncodeToString(originalBytes),
		"error":         causeErr.Error(),
	}

	if p.cfg.MockMode {
		p.logger.WarnContext(ctx, "mock mode: suppressing DLQ publish", "topic", dlqTopic, "correlationId", correlationID)
	} else {
		env, err := codec.NewEnvelope(dlqTopic, dlqPayload, p.clock())
		if err != nil {
			return domain.NewBusProducerError(err)
		}
		body, err := p.codec.Encode(env)
		if err != nil {
			return domain.NewSchemaRegistryError(err)
		}
		msg := kafka.Message{
			Topic: dlqTopic,
			Value: body,
			Headers: []kafka.Header{
				{Key: "correlation-id", Value: []byte(correlationID)},
				{Key: "timestamp", Value: []byte(strconv.FormatInt(p.clock().UnixMilli(), 10))},
			},
		}
		if err := p.cb.Execute(ctx, func(ctx context.Context) error {
			if err := p.writer.WriteMessages(ctx, msg); err != nil {
				return domain.Transient(err)
			}
			return nil
		}); err != nil {
			return domain.NewBusProducerError(err)
		}
	}

	if p.archive != nil {
		rec := p.archive.NewDeadLetterRecord(originalTopic, correlationID)
		p.archive.ArchiveDeadLetter(ctx, rec, originalBytes)
	}

	return nil
}
