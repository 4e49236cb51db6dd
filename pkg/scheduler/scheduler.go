package scheduler

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/archive"
	"github.com/fwbackups/fwbackupd/pkg/backupset"
	"github.com/fwbackups/fwbackupd/pkg/broker"
	"github.com/fwbackups/fwbackupd/pkg/engine"
	"github.com/fwbackups/fwbackupd/pkg/jobs"
	"github.com/fwbackups/fwbackupd/pkg/storage"
)

const defaultTick = 30 * time.Second

// Dispatcher queues backup jobs. Satisfied by *engine.Engine.
type Dispatcher interface {
	SubmitBackup(set *backupset.BackupSet) (*jobs.Record, error)
}

// ArchiveLocks answers whether an archive has an in-flight reader.
type ArchiveLocks interface {
	Locked(name string) bool
}

// Scheduler fires due backup sets and enforces retention after runs.
//
// It polls the store on a coarse tick and additionally wakes on every
// definition change, so a newly created due set does not wait for the next
// tick. A schedule slot is consumed in the store before dispatch; a crash
// between the two loses the run rather than repeating it.
type Scheduler struct {
	store      *backupset.Store
	dispatcher Dispatcher
	broker     broker.Broker
	locks      ArchiveLocks
	logger     *zap.Logger
	tick       time.Duration
	now        func() time.Time

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler over store, dispatching to d and listening on bkr
// for finished jobs to sweep.
func New(store *backupset.Store, d Dispatcher, bkr broker.Broker, locks ArchiveLocks, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:      store,
		dispatcher: d,
		broker:     bkr,
		locks:      locks,
		tick:       defaultTick,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		s.logger = l
	}
	return s, nil
}

// Start launches the scheduling loop and the retention listener.
func (s *Scheduler) Start() error {
	if err := s.broker.Subscribe([]string{broker.TopicEvents}, s.onEvent); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		s.runDue()
		for {
			select {
			case <-ticker.C:
			case <-s.store.Changed():
			case <-s.done:
				return
			}
			s.runDue()
		}
	}()
	return nil
}

// Stop halts the loop. In-flight jobs are the engine's to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// runDue dispatches every due set, in name order. The schedule slot is
// settled in the store before the job is handed to the engine.
func (s *Scheduler) runDue() {
	now := s.now()
	due, err := s.store.ListDue(now)
	if err != nil {
		s.logger.Error("failed to list due sets", zap.Error(err))
		return
	}

	for _, set := range due {
		switch set.Schedule.Kind {
		case backupset.ScheduleRunOnce:
			consumed, err := s.store.ConsumeRunOnce(set.Name)
			if err != nil {
				s.logger.Error("failed to consume one-time schedule", zap.String("set", set.Name), zap.Error(err))
				continue
			}
			if !consumed {
				// Another pass got here first.
				continue
			}
		case backupset.ScheduleRecurring:
			next, ok := set.Schedule.NextAfter(now)
			if !ok {
				continue
			}
			if err := s.store.StoreNextRun(set.Name, next); err != nil {
				s.logger.Error("failed to advance schedule", zap.String("set", set.Name), zap.Error(err))
				continue
			}
		default:
			continue
		}

		rec, err := s.dispatcher.SubmitBackup(set)
		switch {
		case errors.Is(err, engine.ErrAlreadyRunning):
			// The slot is spent; an overlapping run is skipped, not queued.
			s.logger.Info("skipping scheduled run, set busy", zap.String("set", set.Name))
		case err != nil:
			s.logger.Error("failed to dispatch scheduled run", zap.String("set", set.Name), zap.Error(err))
		default:
			s.logger.Info("dispatched scheduled run", zap.String("set", set.Name), zap.Int64("job_id", rec.ID))
		}
	}
}

// onEvent watches for finished backups and sweeps the set's destination.
func (s *Scheduler) onEvent(ev broker.Event) error {
	var msg broker.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		return err
	}
	if msg.EventType != broker.JobFinished || msg.Record == nil {
		return nil
	}
	rec := msg.Record
	if rec.Kind != jobs.KindBackup || rec.Outcome == jobs.OutcomeFatal {
		return nil
	}

	set, err := s.store.Get(rec.SetName)
	if err != nil {
		// Deleted since the run started; nothing to enforce.
		return nil
	}
	if set.Retention.KeepLast == 0 && set.Retention.MaxAge == 0 {
		return nil
	}
	s.Sweep(set)
	return nil
}

// Sweep deletes archives beyond the set's retention policy, oldest first.
// Archives held by a running restore are skipped; a deletion error stops the
// sweep until the next run.
func (s *Scheduler) Sweep(set *backupset.BackupSet) {
	dest, err := storage.New(set.Destination)
	if err != nil {
		s.logger.Error("retention sweep: bad destination", zap.String("set", set.Name), zap.Error(err))
		return
	}
	infos, err := archive.List(dest, set.Name)
	if err != nil {
		s.logger.Error("retention sweep: list failed", zap.String("set", set.Name), zap.Error(err))
		return
	}

	for _, info := range archive.SelectExpired(infos, set.Retention.KeepLast, set.Retention.MaxAge, s.now()) {
		if s.locks != nil && s.locks.Locked(info.Name) {
			s.logger.Info("retention sweep: archive in use, skipping", zap.String("archive", info.Name))
			continue
		}
		if err := archive.Delete(dest, info.Name); err != nil {
			s.logger.Error("retention sweep: delete failed", zap.String("archive", info.Name), zap.Error(err))
			return
		}
		s.logger.Info("retention sweep: archive deleted", zap.String("set", set.Name), zap.String("archive", info.Name))
	}
}
