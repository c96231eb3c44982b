package sched

import (
	"context"
	"fmt"
	"time"

	"noshow-workers/internal/common/camunda"
	"noshow-workers/internal/common/logger"
)

// BPMN process IDs deployed alongside the worker manager. The follow-up
// process is a single intermediate timer (duration variable below) feeding a
// check-read-status service task; evaluation is an immediate service task.
const (
	followUpProcessID   = "noshow-followup-check"
	evaluationProcessID = "noshow-evaluate-risk"
)

// ZeebeScheduler drives delayed callbacks through the workflow engine: a
// scheduled follow-up is a process instance whose timer holds the delay, and
// the fire-back is a job served by our own workers.
type ZeebeScheduler struct {
	client *camunda.Client
	logger logger.Logger
}

func NewZeebeScheduler(client *camunda.Client, log logger.Logger) *ZeebeScheduler {
	return &ZeebeScheduler{
		client: client,
		logger: log.WithFields(map[string]interface{}{"component": "zeebe-scheduler"}),
	}
}

// ScheduleCallback creates a follow-up process instance that fires after
// delay. The instance carries everything the check worker needs to re-read
// state at fire time.
func (z *ZeebeScheduler) ScheduleCallback(ctx context.Context, messageID, bookingID, tier string, delay time.Duration) error {
	variables := map[string]interface{}{
		"messageId": messageID,
		"bookingId": bookingID,
		"tier":      tier,
		"delay":     isoDuration(delay),
	}

	_, err := z.client.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
		cmd, err := z.client.GetClient().NewCreateInstanceCommand().
			BPMNProcessId(followUpProcessID).
			LatestVersion().
			VariablesFromMap(variables)
		if err != nil {
			return nil, err
		}
		return cmd.Send(ctx)
	}, "schedule follow-up")
	if err != nil {
		return err
	}

	z.logger.Info("follow-up scheduled", map[string]interface{}{
		"messageId": messageID,
		"bookingId": bookingID,
		"tier":      tier,
		"delay":     delay.String(),
	})
	return nil
}

// PublishEvaluation starts a risk-evaluation instance for the booking.
func (z *ZeebeScheduler) PublishEvaluation(ctx context.Context, bookingID, messageID string) error {
	variables := map[string]interface{}{
		"bookingId": bookingID,
		"messageId": messageID,
	}

	_, err := z.client.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
		cmd, err := z.client.GetClient().NewCreateInstanceCommand().
			BPMNProcessId(evaluationProcessID).
			LatestVersion().
			VariablesFromMap(variables)
		if err != nil {
			return nil, err
		}
		return cmd.Send(ctx)
	}, "publish evaluation")
	return err
}

// isoDuration renders delay as the ISO-8601 form the BPMN timer expects.
func isoDuration(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("PT%dS", seconds)
}
