package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcusylee/board-sync-service/internal/model"
	"github.com/marcusylee/board-sync-service/internal/repo"
	"go.uber.org/zap"
)

// HandlerFunc executes one claimed job. A returned error drives the
// retry/deadletter transition; it never escapes the dispatcher.
type HandlerFunc func(ctx context.Context, job *model.WorkerJob) error

// HandlerRegistry maps job kinds to their handlers.
type HandlerRegistry map[string]HandlerFunc

// NewHandlerRegistry wires the built-in job kinds.
func NewHandlerRegistry(syncSvc *SyncService, r repo.RepositoryInterface) HandlerRegistry {
	return HandlerRegistry{
		model.KindSyncCompaction:     compactionHandler(syncSvc),
		model.KindNotificationFanout: fanoutHandler(r),
	}
}

// Dispatcher is the worker poll loop: claim, execute, report. Many
// dispatchers may run against the same store; the claim primitive is the
// only coordination between them.
type Dispatcher struct {
	queue        *QueueService
	registry     HandlerRegistry
	log          *zap.SugaredLogger
	workerID     string
	pollInterval time.Duration
}

// NewDispatcher returns Dispatcher.
func NewDispatcher(q *QueueService, registry HandlerRegistry, logger *zap.SugaredLogger, workerID string, pollInterval time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Dispatcher{
		queue:        q,
		registry:     registry,
		log:          logger,
		workerID:     workerID,
		pollInterval: pollInterval,
	}
}

// Run polls until ctx is canceled. An empty claim sleeps for pollInterval;
// that is the loop's only wait point.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Infof("dispatcher %s started", d.workerID)
	for {
		if ctx.Err() != nil {
			d.log.Infof("dispatcher %s stopped", d.workerID)
			return
		}
		job, err := d.queue.Claim(ctx, d.workerID)
		if err != nil {
			d.log.Errorf("claim: %v", err)
			d.idle(ctx)
			continue
		}
		if job == nil {
			d.idle(ctx)
			continue
		}
		d.execute(ctx, job)
	}
}

// RunPool starts n dispatcher goroutines sharing this configuration, each
// with its own worker identity suffix, and blocks until all exit.
func (d *Dispatcher) RunPool(ctx context.Context, n int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := &Dispatcher{
			queue:        d.queue,
			registry:     d.registry,
			log:          d.log,
			workerID:     fmt.Sprintf("%s-%d", d.workerID, i),
			pollInterval: d.pollInterval,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) execute(ctx context.Context, job *model.WorkerJob) {
	start := time.Now()
	jobErr := d.invoke(ctx, job)
	if jobErr != nil {
		d.log.Warnf("job %d kind=%s attempt=%d failed in %s: %v",
			job.ID, job.JobKind, job.Attempt, time.Since(start), jobErr)
	} else {
		d.log.Infof("job %d kind=%s attempt=%d done in %s",
			job.ID, job.JobKind, job.Attempt, time.Since(start))
	}
	if err := d.queue.Complete(ctx, job.ID, d.workerID, jobErr); err != nil {
		if errors.Is(err, repo.ErrLeaseExpired) {
			// lease was reclaimed while we ran; the sweep owns this job now
			d.log.Warnf("job %d: stale completion from %s", job.ID, d.workerID)
			return
		}
		d.log.Errorf("complete job %d: %v", job.ID, err)
	}
}

// invoke runs the handler, converting a missing handler or a panic into an
// ordinary job failure.
func (d *Dispatcher) invoke(ctx context.Context, job *model.WorkerJob) (jobErr error) {
	handler, ok := d.registry[job.JobKind]
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", job.JobKind)
	}
	defer func() {
		if r := recover(); r != nil {
			jobErr = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (d *Dispatcher) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.pollInterval):
	}
}
