// Package checkreadstatus serves the timer callback at the heart of the
// follow-up flow. The job fires hours after it was scheduled, so the handler
// trusts nothing from the process variables beyond the message identity; all
// state is re-read at fire time.
package checkreadstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/common/metrics"
	"noshow-workers/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "check-read-status"

// FollowUpRunner re-reads state and dispatches the due tier. When the send
// retry budget is spent it hands the booking to a manager instead.
type FollowUpRunner interface {
	OnFire(ctx context.Context, messageID, tier string) error
	EscalateSendFailure(ctx context.Context, messageID, tier string) error
}

type Handler struct {
	config *Config
	runner FollowUpRunner
	logger logger.Logger
}

func NewHandler(config *Config, runner FollowUpRunner, log logger.Logger) *Handler {
	return &Handler{
		config: config,
		runner: runner,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.failJob(client, job, "PARSE_ERROR", fmt.Sprintf("parse input: %v", err))
		return
	}
	if input.MessageID == "" {
		h.failJob(client, job, "PARSE_ERROR", "messageId is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output, err := h.execute(ctx, &input)
	if err != nil {
		h.handleError(ctx, client, job, &input, err)
		return
	}

	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	h.completeJob(client, job, output)
}

// failureRoute is what handleError does with a failed firing.
type failureRoute int

const (
	routeFail failureRoute = iota
	routeRetry
	routeEscalate
)

// routeFailure caps the engine-supplied retry budget by the error code's own
// budget and picks a route. A send failure whose single retry is spent goes
// to a manager; other retryable errors go back to the engine while budget
// remains. The second return is the retry count handed back on routeRetry.
func routeFailure(err error, engineRetries int32) (failureRoute, int32) {
	stdErr, ok := err.(*stderrors.StandardError)
	if !ok {
		return routeFail, 0
	}

	remaining := engineRetries - 1
	if max := int32(stderrors.GetRetryCount(stdErr.Code)); remaining > max {
		remaining = max
	}

	if stdErr.Code == stderrors.ErrCodeSendFailed && remaining <= 0 {
		return routeEscalate, 0
	}
	if stdErr.Retryable && remaining > 0 {
		return routeRetry, remaining
	}
	return routeFail, 0
}

// handleError routes a failed firing. Retryable errors go back to the engine
// with the retry budget capped per error code; a send failure whose single
// retry is spent is escalated to a manager and the job completes.
func (h *Handler) handleError(ctx context.Context, client worker.JobClient, job entities.Job, input *Input, err error) {
	stdErr, ok := err.(*stderrors.StandardError)
	if !ok {
		h.failJob(client, job, "FOLLOWUP_ERROR", err.Error())
		return
	}

	route, remaining := routeFailure(err, job.Retries)
	switch route {
	case routeEscalate:
		if escErr := h.runner.EscalateSendFailure(ctx, input.MessageID, input.Tier); escErr != nil {
			h.failJob(client, job, string(stderrors.ErrCodeSendFailed), escErr.Error())
			return
		}
		h.completeJob(client, job, &Output{Success: true, Tier: input.Tier, Escalated: true})
	case routeRetry:
		h.retryJob(client, job, stdErr, remaining)
	default:
		h.failJob(client, job, string(stdErr.Code), stdErr.Message)
	}
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input.Tier == "" {
		input.Tier = models.TierReminder
	}
	if err := h.runner.OnFire(ctx, input.MessageID, input.Tier); err != nil {
		return nil, err
	}
	return &Output{Success: true, Tier: input.Tier}, nil
}

func (h *Handler) retryJob(client worker.JobClient, job entities.Job, stdErr *stderrors.StandardError, remaining int32) {
	h.logger.Warn("job failed, retrying", map[string]interface{}{
		"jobKey":    job.Key,
		"errorCode": stdErr.Code,
		"error":     stdErr.Message,
		"retries":   remaining,
	})

	_, err := client.NewFailJobCommand().
		JobKey(job.Key).
		Retries(remaining).
		ErrorMessage(fmt.Sprintf("[%s] %s", stdErr.Code, stdErr.Message)).
		Send(context.Background())
	if err != nil {
		h.logger.Error("failed to send fail job command", map[string]interface{}{"error": err})
	}
}

func (h *Handler) failJob(client worker.JobClient, job entities.Job, errorCode, errorMessage string) {
	h.logger.Error("job failed", map[string]interface{}{
		"jobKey":       job.Key,
		"errorCode":    errorCode,
		"errorMessage": errorMessage,
	})

	_, err := client.NewThrowErrorCommand().
		JobKey(job.Key).
		ErrorCode(errorCode).
		ErrorMessage(errorMessage).
		Send(context.Background())
	if err != nil {
		h.logger.Error("failed to throw error", map[string]interface{}{"error": err})
	}
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{"error": err})
		return
	}
	_, err = cmd.Send(context.Background())
	if err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{"error": err})
	}
}
