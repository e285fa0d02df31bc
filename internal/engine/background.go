package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/vk/photongrid/internal/capability"
	"github.com/vk/photongrid/internal/ctxlog"
	"github.com/vk/photongrid/internal/qgraph"
	"github.com/vk/photongrid/internal/violation"
)

// backgroundJob is a deferred calibration request. Jobs only run at phase
// boundaries, never while a node holds the timeline.
type backgroundJob struct {
	Kernel   string
	Priority qgraph.Priority
	seq      int
}

// backgroundQueue collects calibration work submitted while a run is in
// flight. Higher priority drains first; equal priority drains in submission
// order so draining stays deterministic.
type backgroundQueue struct {
	mu   sync.Mutex
	jobs []backgroundJob
	next int
}

func newBackgroundQueue() *backgroundQueue {
	return &backgroundQueue{}
}

func (q *backgroundQueue) push(job backgroundJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.seq = q.next
	q.next++
	q.jobs = append(q.jobs, job)
}

// drain removes and returns all queued jobs, highest priority first.
func (q *backgroundQueue) drain() []backgroundJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].seq < out[b].seq
	})
	return out
}

func (q *backgroundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// EnqueueCalibration schedules a calibration kernel to run at the next
// phase boundary of the current or next run. It never interrupts a node
// in flight.
func (e *Engine) EnqueueCalibration(kernel string, prio qgraph.Priority) {
	e.backgroundQueue.push(backgroundJob{Kernel: kernel, Priority: prio})
}

// drainBackground runs every queued calibration at a phase boundary. A
// hard-limit breach in a background artifact aborts the run the same way a
// foreground calibration node would.
func (e *Engine) drainBackground(ctx context.Context, ec *execContext, calibrator capability.CalibrationExecutor) error {
	jobs := e.backgroundQueue.drain()
	if len(jobs) == 0 {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	for _, job := range jobs {
		logger.Debug("Running background calibration.", "kernel", job.Kernel, "priority", job.Priority.String())
		art, err := calibrator.ExecuteCalibration(ctx, job.Kernel, ec.calibrationSnapshot())
		if err != nil {
			return violation.Wrap(violation.KindCalibrationFailure, "", err)
		}
		if err := e.validateArtifact("", art); err != nil {
			return err
		}
		if err := calibrator.ApplyCalibration(ctx, art.Params, e.cfg.Limits); err != nil {
			return violation.Wrap(violation.KindCalibrationFailure, "", err)
		}
		ec.mergeCalibration(art.Params)
	}
	return nil
}
