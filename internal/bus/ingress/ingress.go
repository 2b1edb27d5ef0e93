// Package ingress is the Event Ingress Router: single-threaded
// cooperative dispatch of decoded bus messages to the handler for
// their topic, with dead-letter forwarding on handler error.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rezkam/mono/internal/adjustment"
	"github.com/rezkam/mono/internal/bus/codec"
	"github.com/rezkam/mono/internal/domain"
)

// Registry is the subset of *registry.Registry command handling needs.
type Registry interface {
	Schedule(input domain.ScheduleInput) (string, error)
	Cancel(jobID string) bool
	ListAll() []*domain.Job
}

// Adjuster is the subset of *adjustment.Engine the router drives.
type Adjuster interface {
	DetectChanges(projectID uint64, currentPhases []domain.ChallengeUpdatePhase, operator, projectStatus string) []adjustment.Change
	Apply(changes []adjustment.Change) adjustment.Result
	CancelAllForProject(projectID uint64) int
}

// DeadLetterSender forwards a message that failed handling to its
// topic's dead-letter queue.
type DeadLetterSender interface {
	SendToDLQ(ctx context.Context, originalTopic string, originalBytes []byte, cause error) error
}

// Config names the three logical topics this router dispatches.
type Config struct {
	PhaseTransitionTopic string
	ChallengeUpdateTopic string
	CommandTopic         string
}

// Router is the Event Ingress Router.
type Router struct {
	cfg        Config
	registry   Registry
	adjuster   Adjuster
	deadLetter DeadLetterSender
	logger     *slog.Logger
}

func New(cfg Config, registry Registry, adjuster Adjuster, deadLetter DeadLetterSender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, registry: registry, adjuster: adjuster, deadLetter: deadLetter, logger: logger}
}

// HandleMessage decodes and routes one message. Offsets must advance
// regardless of the outcome: a handler error results in a dead-letter
// forward, never a returned error that would stall the consumer.
func (r *Router) HandleMessage(ctx context.Context, topic string, raw []byte) {
	env, err := codec.Decode(raw)
	if err != nil {
		r.forward(ctx, topic, raw, fmt.Errorf("decode envelope: %w", err))
		return
	}

	var handleErr error
	switch topic {
	case r.cfg.PhaseTransitionTopic:
		// Informational only in the core path; scheduling is driven by
		// challenge.update. Command-initiated flows bypass this topic.
	case r.cfg.ChallengeUpdateTopic:
		handleErr = r.handleChallengeUpdate(ctx, env.Payload)
	case r.cfg.CommandTopic:
		handleErr = r.handleCommand(ctx, env.Payload)
	default:
		r.logger.WarnContext(ctx, "ingress: unroutable topic", "topic", topic)
	}

	if handleErr != nil {
		r.forward(ctx, topic, raw, handleErr)
	}
}

func (r *Router) forward(ctx context.Context, topic string, raw []byte, cause error) {
	r.logger.ErrorContext(ctx, "ingress: handler failed, forwarding to dead letter", "topic", topic, "error", cause)
	if r.deadLetter == nil {
		return
	}
	if err := r.deadLetter.SendToDLQ(ctx, topic, raw, cause); err != nil {
		r.logger.ErrorContext(ctx, "ingress: dead letter forward itself failed", "topic", topic, "error", err)
	}
}

func (r *Router) handleChallengeUpdate(ctx context.Context, payload []byte) error {
	var update domain.ChallengeUpdate
	if err := unmarshal(payload, &update); err != nil {
		return domain.NewInvalidPhaseData(0, err.Error())
	}

	switch update.ProjectStatus {
	case "CANCELLED", "COMPLETED":
		n := r.adjuster.CancelAllForProject(update.ProjectID)
		r.logger.InfoContext(ctx, "ingress: project closed, cancelled scheduled transitions",
			"projectId", update.ProjectID, "cancelledCount", n)
		return nil

	case "ACTIVE":
		if len(update.Phases) == 0 {
			r.logger.WarnContext(ctx, "ingress: active challenge.update without detailed phases, skipping", "projectId", update.ProjectID)
			return nil
		}
		filtered := make([]domain.ChallengeUpdatePhase, 0, len(update.Phases))
		for _, p := range update.Phases {
			if p.PhaseStatus == "ACTIVE" || p.PhaseStatus == "SCHEDULED" {
				filtered = append(filtered, p)
			}
		}
		changes := r.adjuster.DetectChanges(update.ProjectID, filtered, update.Operator, update.ProjectStatus)
		result := r.adjuster.Apply(changes)
		r.logger.InfoContext(ctx, "ingress: adjustment applied",
			"projectId", update.ProjectID, "adjustedCount", result.AdjustedCount,
			"cancelledCount", result.CancelledCount, "rescheduledCount", result.RescheduledCount,
			"success", result.Success)
		if !result.Success {
			return fmt.Errorf("adjustment engine reported errors: %s", strings.Join(result.Errors, "; "))
		}
		return nil

	case "DRAFT":
		return nil

	default:
		r.logger.WarnContext(ctx, "ingress: unrecognized projectStatus on challenge.update", "projectStatus", update.ProjectStatus)
		return nil
	}
}

func (r *Router) handleCommand(ctx context.Context, payload []byte) error {
	var cmd domain.Command
	if err := unmarshal(payload, &cmd); err != nil {
		return domain.NewInvalidPhaseData(0, err.Error())
	}

	switch strings.ToLower(cmd.Command) {
	case domain.CommandSchedulePhaseTransition:
		if cmd.ScheduledTime == nil {
			return domain.NewValidationError("scheduledTime", "required for schedule_phase_transition")
		}
		_, err := r.registry.Schedule(domain.ScheduleInput{
			ProjectID: cmd.ProjectID, PhaseID: cmd.PhaseID, PhaseTypeName: cmd.PhaseTypeName,
			State: cmd.State, ScheduledTime: *cmd.ScheduledTime, Operator: cmd.Operator, ProjectStatus: cmd.ProjectStatus,
		})
		return err

	case domain.CommandCancelScheduledTransition:
		if !r.registry.Cancel(cmd.JobID) {
			r.logger.WarnContext(ctx, "ingress: cancel_scheduled_transition found no cancellable job", "jobId", cmd.JobID)
		}
		return nil

	case domain.CommandListScheduledTransitions:
		r.logger.InfoContext(ctx, "ingress: list_scheduled_transitions", "count", len(r.registry.ListAll()))
		return nil

	default:
		r.logger.WarnContext(ctx, "ingress: unknown command", "command", cmd.Command)
		return nil
	}
}
