package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fwbackups/fwbackupd/pkg/archive"
	"github.com/fwbackups/fwbackupd/pkg/backupset"
	"github.com/fwbackups/fwbackupd/pkg/broker"
	"github.com/fwbackups/fwbackupd/pkg/jobs"
	"github.com/fwbackups/fwbackupd/pkg/progress"
	"github.com/fwbackups/fwbackupd/pkg/restore"
	"github.com/fwbackups/fwbackupd/pkg/storage"
)

const defaultWorkers = 2

var (
	// ErrAlreadyRunning is returned when a set already has a job in flight.
	ErrAlreadyRunning = errors.New("backup set already has a running job")

	// ErrJobNotRunning is returned by Cancel for unknown or finished jobs.
	ErrJobNotRunning = errors.New("job is not running")
)

// Engine executes backup and restore jobs on a bounded worker pool.
//
// Scheduled and manual runs share one queue; at most one job per set runs at
// a time, while jobs for different sets proceed in parallel up to the worker
// limit.
type Engine struct {
	registry *jobs.Registry
	broker   broker.Broker
	packer   archive.Packer
	locker   *archive.Locker
	restorer *restore.Coordinator
	logger   *zap.Logger
	workers  int64
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	runningSets map[string]int64
	cancels     map[int64]context.CancelFunc
}

// New creates an engine writing records to registry and events to bkr.
func New(registry *jobs.Registry, bkr broker.Broker, opts ...Option) (*Engine, error) {
	e := &Engine{
		registry:    registry,
		broker:      bkr,
		workers:     defaultWorkers,
		runningSets: make(map[string]int64),
		cancels:     make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		e.logger = l
	}
	if e.packer == nil {
		e.packer = &archive.TarZstd{}
	}
	if e.locker == nil {
		e.locker = archive.NewLocker()
	}
	e.restorer = restore.NewCoordinator(e.packer, e.logger)
	e.sem = semaphore.NewWeighted(e.workers)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Locker exposes the archive lock registry, shared with the retention sweep.
func (e *Engine) Locker() *archive.Locker { return e.locker }

// Running reports the job id holding the set's slot, if any.
func (e *Engine) Running(setName string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.runningSets[setName]
	return id, ok
}

// SubmitBackup creates a running job record for the set and queues it on the
// worker pool. It fails with ErrAlreadyRunning while the set has a job in
// flight, whether scheduled or manual.
func (e *Engine) SubmitBackup(set *backupset.BackupSet) (*jobs.Record, error) {
	e.mu.Lock()
	if id, ok := e.runningSets[set.Name]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: job %d", ErrAlreadyRunning, id)
	}
	rec, err := e.registry.Start(jobs.KindBackup, set.Name, set.Sources, set.Destination)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	jobCtx, cancelJob := context.WithCancel(e.ctx)
	e.runningSets[set.Name] = rec.ID
	e.cancels[rec.ID] = cancelJob
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.releaseJob(set.Name, rec.ID, cancelJob)

		if err := e.sem.Acquire(jobCtx, 1); err != nil {
			e.finishCancelledInQueue(rec)
			return
		}
		defer e.sem.Release(1)
		e.runBackup(jobCtx, rec, set)
	}()
	return rec, nil
}

// SubmitRestore preflights the request and queues the restore. Preflight
// failures (unreadable manifest, unwritable target) surface immediately and
// create no job record. The restore holds the set's run slot, so it fails
// with ErrAlreadyRunning while a backup of the same set is in flight and
// blocks backups of the set for its own duration. The archive stays
// read-locked until the job settles.
func (e *Engine) SubmitRestore(req restore.Request) (*jobs.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	dest, err := storage.New(req.Destination)
	if err != nil {
		return nil, err
	}
	m, err := e.restorer.Preflight(dest, req)
	if err != nil {
		return nil, err
	}
	if req.SetName == "" {
		req.SetName = m.SetName
	}

	release := e.locker.Acquire(req.ArchiveName)
	e.mu.Lock()
	if id, ok := e.runningSets[req.SetName]; ok {
		e.mu.Unlock()
		release()
		return nil, fmt.Errorf("%w: job %d", ErrAlreadyRunning, id)
	}
	rec, err := e.registry.Start(jobs.KindRestore, req.SetName, []string{req.ArchiveName}, req.Destination)
	if err != nil {
		e.mu.Unlock()
		release()
		return nil, err
	}
	rec.ArchiveName = req.ArchiveName

	jobCtx, cancelJob := context.WithCancel(e.ctx)
	e.runningSets[req.SetName] = rec.ID
	e.cancels[rec.ID] = cancelJob
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		defer e.releaseJob(req.SetName, rec.ID, cancelJob)

		if err := e.sem.Acquire(jobCtx, 1); err != nil {
			e.finishCancelledInQueue(rec)
			return
		}
		defer e.sem.Release(1)
		e.runRestore(jobCtx, rec, dest, m, req)
	}()
	return rec, nil
}

// Cancel requests cooperative cancellation of a running job. The job settles
// asynchronously; its record shows which paths were finished when the request
// landed.
func (e *Engine) Cancel(jobID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancelJob, ok := e.cancels[jobID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotRunning, jobID)
	}
	cancelJob()
	return nil
}

// Wait blocks until every in-flight job has settled.
func (e *Engine) Wait() { e.wg.Wait() }

// Close cancels all running jobs and waits for them to finalize.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) releaseJob(setName string, jobID int64, cancelJob context.CancelFunc) {
	cancelJob()
	e.mu.Lock()
	if setName != "" {
		delete(e.runningSets, setName)
	}
	delete(e.cancels, jobID)
	e.mu.Unlock()
}

func (e *Engine) runBackup(ctx context.Context, rec *jobs.Record, set *backupset.BackupSet) {
	e.publish(broker.Message{EventType: broker.JobStarted, SetName: set.Name, JobID: rec.ID, JobKind: rec.Kind})
	e.registry.AppendLog(rec.ID, "info", fmt.Sprintf("starting backup of set %q (%d paths)", set.Name, len(set.Sources)))

	archiveName := archive.Name(set.Name, rec.StartedAt)
	manifest := &archive.Manifest{Name: archiveName, SetName: set.Name, CreatedAt: rec.StartedAt}

	dest, err := storage.New(set.Destination)
	if err != nil {
		e.finishFatal(rec, set.Name, err.Error())
		return
	}
	if err := dest.Ping(); err != nil {
		e.finishFatal(rec, set.Name, fmt.Sprintf("destination unreachable: %v", err))
		return
	}
	rec.ArchiveName = archiveName

	var lastPath string
	reporter := progress.NewReporter(progress.DefaultInterval, func(st progress.Stat, final bool) {
		e.publish(broker.Message{
			EventType: broker.JobProgress, SetName: set.Name, JobID: rec.ID, JobKind: rec.Kind,
			Path: lastPath, BytesSoFar: st.Bytes,
		})
	})
	onProgress := func(path string, n int64) {
		lastPath = path
		e.registry.AppendLog(rec.ID, "info", fmt.Sprintf("packed %s (%s)", path, humanize.Bytes(uint64(n))))
		reporter.Add(progress.Stat{Files: 1, Bytes: n})
	}

	for i, src := range set.Sources {
		if ctx.Err() != nil {
			rec.Failures = append(rec.Failures, jobs.PathFailure{Path: src, Reason: jobs.CancelledReason})
			continue
		}
		blobName := fmt.Sprintf("%s/data-%d.tar.zst", archiveName, i)
		blob, err := e.packer.Pack(ctx, src, blobName, dest, onProgress)
		if err != nil {
			reason := err.Error()
			if ctx.Err() != nil {
				reason = jobs.CancelledReason
			}
			rec.Failures = append(rec.Failures, jobs.PathFailure{Path: src, Reason: reason})
			e.registry.AppendLog(rec.ID, "warn", fmt.Sprintf("source %s failed: %s", src, reason))
			reporter.Add(progress.Stat{Errors: 1})
			continue
		}
		manifest.Blobs = append(manifest.Blobs, *blob)
	}
	st := reporter.Stop()
	rec.FilesTransferred = st.Files
	rec.BytesTransferred = st.Bytes

	if len(manifest.Blobs) > 0 {
		if err := archive.WriteManifest(dest, manifest); err != nil {
			e.finishFatal(rec, set.Name, err.Error())
			return
		}
	}

	switch {
	case len(rec.Failures) > 0:
		rec.Outcome = jobs.OutcomePartialFailure
	default:
		rec.Outcome = jobs.OutcomeSuccess
	}
	e.finish(rec, set.Name)
}

func (e *Engine) runRestore(ctx context.Context, rec *jobs.Record, dest storage.Destination, m *archive.Manifest, req restore.Request) {
	e.publish(broker.Message{EventType: broker.JobStarted, SetName: rec.SetName, JobID: rec.ID, JobKind: rec.Kind})
	e.registry.AppendLog(rec.ID, "info", fmt.Sprintf("restoring archive %q to %s", req.ArchiveName, req.TargetDir))

	var lastPath string
	reporter := progress.NewReporter(progress.DefaultInterval, func(st progress.Stat, final bool) {
		e.publish(broker.Message{
			EventType: broker.JobProgress, SetName: rec.SetName, JobID: rec.ID, JobKind: rec.Kind,
			Path: lastPath, BytesSoFar: st.Bytes,
		})
	})
	res, err := e.restorer.Run(ctx, dest, m, req,
		func(severity, text string) { e.registry.AppendLog(rec.ID, severity, text) },
		func(path string, n int64) {
			lastPath = path
			reporter.Add(progress.Stat{Files: 1, Bytes: n})
		},
	)
	reporter.Stop()
	if err != nil {
		e.finishFatal(rec, rec.SetName, err.Error())
		return
	}

	rec.Failures = res.Failures
	rec.FilesTransferred = res.Files
	rec.BytesTransferred = res.Bytes
	switch {
	case len(rec.Failures) > 0:
		rec.Outcome = jobs.OutcomePartialFailure
	default:
		rec.Outcome = jobs.OutcomeSuccess
	}
	e.finish(rec, rec.SetName)
}

// finishCancelledInQueue settles a job whose cancellation landed before a
// worker picked it up. A started event is still published so every job's
// stream opens with job_started and closes with job_finished.
func (e *Engine) finishCancelledInQueue(rec *jobs.Record) {
	e.publish(broker.Message{EventType: broker.JobStarted, SetName: rec.SetName, JobID: rec.ID, JobKind: rec.Kind})
	rec.Outcome = jobs.OutcomeFatal
	rec.FatalReason = jobs.CancelledReason
	e.registry.AppendLog(rec.ID, "warn", "job cancelled before it started")
	e.finish(rec, rec.SetName)
}

func (e *Engine) finishFatal(rec *jobs.Record, setName, reason string) {
	rec.Outcome = jobs.OutcomeFatal
	rec.FatalReason = reason
	e.registry.AppendLog(rec.ID, "error", reason)
	e.finish(rec, setName)
}

func (e *Engine) finish(rec *jobs.Record, setName string) {
	rec.FinishedAt = time.Now()
	e.registry.AppendLog(rec.ID, "info", fmt.Sprintf(
		"%s finished: %s, %d files, %s",
		rec.Kind, rec.Outcome, rec.FilesTransferred, humanize.Bytes(uint64(rec.BytesTransferred)),
	))
	if err := e.registry.Finalize(rec); err != nil {
		e.logger.Error("failed to finalize job", zap.Int64("job_id", rec.ID), zap.Error(err))
	}
	e.publish(broker.Message{EventType: broker.JobFinished, SetName: setName, JobID: rec.ID, JobKind: rec.Kind, Record: rec})
}

func (e *Engine) publish(msg broker.Message) {
	msg.EventID = uuid.New().String()
	msg.CreatedAt = time.Now()
	if err := e.broker.Publish(broker.TopicEvents, msg); err != nil {
		e.logger.Warn("failed to publish event", zap.String("event_type", msg.EventType), zap.Error(err))
	}
}
