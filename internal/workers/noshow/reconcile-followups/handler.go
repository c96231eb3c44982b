// Package reconcilefollowups sweeps for tracking records whose follow-up
// claim is set but whose callback never landed in the engine, which happens
// when the process crashes between claiming the slot and the engine call.
// The sweep releases each orphaned claim and re-schedules it.
package reconcilefollowups

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

const TaskType = "reconcile-followups"

type TrackingStore interface {
	FindOrphanedFollowUps(ctx context.Context, olderThan time.Time, limit int) ([]*models.MessageTracking, error)
	ClearFollowUpScheduled(ctx context.Context, messageID string) error
}

type ReadCheckScheduler interface {
	ScheduleReadCheck(ctx context.Context, messageID, bookingID string) error
}

type Handler struct {
	config    *Config
	tracking  TrackingStore
	scheduler ReadCheckScheduler
	logger    logger.Logger
}

func NewHandler(config *Config, tracking TrackingStore, scheduler ReadCheckScheduler, log logger.Logger) *Handler {
	return &Handler{
		config:    config,
		tracking:  tracking,
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
		code := "RECONCILE_ERROR"
		if stdErr, ok := err.(*stderrors.StandardError); ok {
			code = string(stdErr.Code)
		}
		h.failJob(client, job, code, err.Error())
		return
	}

	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	h.completeJob(client, job, output)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	batchSize := input.BatchSize
	if batchSize <= 0 {
		batchSize = h.config.BatchSize
	}

	cutoff := time.Now().UTC().Add(-h.config.OrphanAfter)
	orphans, err := h.tracking.FindOrphanedFollowUps(ctx, cutoff, batchSize)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("find orphaned follow-ups", err)
	}

	output := &Output{Success: true, Examined: len(orphans)}
	for _, rec := range orphans {
		// Release the stuck claim, then take it again through the
		// normal path so it goes through the engine.
		if err := h.tracking.ClearFollowUpScheduled(ctx, rec.MessageID); err != nil {
			h.logger.Error("failed to release orphaned claim", map[string]interface{}{
				"messageId": rec.MessageID,
				"error":     err,
			})
			continue
		}
		if err := h.scheduler.ScheduleReadCheck(ctx, rec.MessageID, rec.BookingID); err != nil {
			h.logger.Error("failed to reschedule follow-up", map[string]interface{}{
				"messageId": rec.MessageID,
				"bookingId": rec.BookingID,
				"error":     err,
			})
			continue
		}
		output.Rescheduled++
	}

	if output.Examined > 0 {
		h.logger.Info("reconcile sweep finished", map[string]interface{}{
			"examined":    output.Examined,
			"rescheduled": output.Rescheduled,
		})
	}
	return output, nil
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
