package evaluaterisk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/common/metrics"
	"noshow-workers/internal/models"
	"noshow-workers/internal/risk"
	"noshow-workers/internal/store"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "evaluate-noshow-risk"

// TrackingStore is the slice of the tracking store this worker reads and
// scores against.
type TrackingStore interface {
	GetByMessageID(ctx context.Context, messageID string) (*models.MessageTracking, error)
	UpdateRiskScore(ctx context.Context, messageID string, score int) error
}

type BookingStore interface {
	GetRiskContext(ctx context.Context, bookingID string) (*models.BookingRiskContext, error)
}

// ReadCheckScheduler queues the first follow-up check.
type ReadCheckScheduler interface {
	ScheduleReadCheck(ctx context.Context, messageID, bookingID string) error
}

type Handler struct {
	config    *Config
	tracking  TrackingStore
	bookings  BookingStore
	scheduler ReadCheckScheduler
	logger    logger.Logger
}

func NewHandler(config *Config, tracking TrackingStore, bookings BookingStore, scheduler ReadCheckScheduler, log logger.Logger) *Handler {
	return &Handler{
		config:    config,
		tracking:  tracking,
		bookings:  bookings,
		scheduler: scheduler,
		logger:    log.WithFields(map[string]interface{}{"taskType": TaskType}),
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

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output, err := h.execute(ctx, &input)
	if err != nil {
		h.handleError(client, job, err)
		return
	}

	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	h.completeJob(client, job, output)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	tracking, err := h.tracking.GetByMessageID(ctx, input.MessageID)
	if err == store.ErrNotFound {
		return nil, stderrors.NewUnknownMessageError(input.MessageID)
	}
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("load tracking record", err)
	}

	bctx, err := h.bookings.GetRiskContext(ctx, input.BookingID)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("load booking risk context", err)
	}

	assessment := risk.Score(bctx, tracking, time.Now().UTC())

	if err := h.tracking.UpdateRiskScore(ctx, input.MessageID, assessment.Score); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("persist risk score", err)
	}

	factorNames := make([]string, 0, len(assessment.Factors))
	for _, f := range assessment.Factors {
		factorNames = append(factorNames, f.Name)
	}

	output := &Output{
		Success:   true,
		RiskScore: assessment.Score,
		RiskLevel: assessment.Level,
		Factors:   factorNames,
	}

	// A read confirmation needs no follow-up. Everything else on a live
	// confirmation message gets a check on the clock; the scheduler
	// absorbs double scheduling.
	if tracking.MessageType == models.MessageTypeConfirmation &&
		!tracking.IsRead() &&
		tracking.Status != models.StatusFailed {
		if err := h.scheduler.ScheduleReadCheck(ctx, input.MessageID, input.BookingID); err != nil {
			return nil, err
		}
		output.FollowUpScheduled = true
	}

	h.logger.Info("risk evaluated", map[string]interface{}{
		"bookingId":         input.BookingID,
		"messageId":         input.MessageID,
		"riskScore":         assessment.Score,
		"riskLevel":         assessment.Level,
		"followUpScheduled": output.FollowUpScheduled,
	})
	return output, nil
}

func (h *Handler) handleError(client worker.JobClient, job entities.Job, err error) {
	stdErr, ok := err.(*stderrors.StandardError)
	if !ok {
		h.failJob(client, job, "EVALUATION_ERROR", err.Error())
		return
	}

	// The error-code budget bounds retries even when the process model
	// was deployed with a larger default.
	remaining := job.Retries - 1
	if max := int32(stderrors.GetRetryCount(stdErr.Code)); remaining > max {
		remaining = max
	}
	if stdErr.Retryable && remaining > 0 {
		h.retryJob(client, job, stdErr, remaining)
		return
	}
	h.failJob(client, job, string(stdErr.Code), stdErr.Message)
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
