package camunda

import (
	"context"
	"time"

	"noshow-workers/internal/common/observability"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"go.uber.org/zap"
)

// HandlerFunc is the job callback signature the Zeebe client expects.
type HandlerFunc func(client worker.JobClient, job entities.Job)

// WorkerSet owns the open job workers so shutdown can close them before the
// gRPC connection goes away. Workers drain their active jobs on Close.
type WorkerSet struct {
	client  *Client
	obs     *observability.Observability
	logger  *zap.Logger
	workers []openWorker
}

type openWorker struct {
	taskType string
	worker   worker.JobWorker
}

func NewWorkerSet(client *Client, obs *observability.Observability, logger *zap.Logger) *WorkerSet {
	return &WorkerSet{client: client, obs: obs, logger: logger}
}

// Start opens a job worker for the task type and registers it for shutdown.
func (s *WorkerSet) Start(taskType string, maxJobsActive int, timeout time.Duration, handler HandlerFunc) {
	jobWorker := s.client.GetClient().NewJobWorker().
		JobType(taskType).
		Handler(worker.JobHandler(s.instrument(taskType, handler))).
		MaxJobsActive(maxJobsActive).
		Timeout(timeout).
		Open()

	s.workers = append(s.workers, openWorker{taskType: taskType, worker: jobWorker})
	s.logger.Info("worker started",
		zap.String("taskType", taskType),
		zap.Int("maxJobsActive", maxJobsActive),
		zap.Duration("timeout", timeout),
	)
}

func (s *WorkerSet) instrument(taskType string, handler HandlerFunc) HandlerFunc {
	if s.obs == nil {
		return handler
	}
	return func(client worker.JobClient, job entities.Job) {
		start := time.Now()
		handler(client, job)
		ctx := context.Background()
		s.obs.RecordJobProcessed(ctx, taskType)
		s.obs.RecordJobDuration(ctx, time.Since(start), taskType)
	}
}

// Close stops all workers in reverse start order.
func (s *WorkerSet) Close() {
	for i := len(s.workers) - 1; i >= 0; i-- {
		w := s.workers[i]
		s.logger.Info("stopping worker", zap.String("taskType", w.taskType))
		w.worker.Close()
	}
	s.workers = nil
}
