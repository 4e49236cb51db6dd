package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/archive"
	"github.com/fwbackups/fwbackupd/pkg/backupset"
	"github.com/fwbackups/fwbackupd/pkg/broker"
	"github.com/fwbackups/fwbackupd/pkg/engine"
	"github.com/fwbackups/fwbackupd/pkg/jobs"
	"github.com/fwbackups/fwbackupd/pkg/restore"
	"github.com/fwbackups/fwbackupd/pkg/storage"
)

// ListSets handles GET /sets.
func (s *Server) ListSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.store.List()
	if err != nil {
		s.respondError(w, err)
		return
	}
	if sets == nil {
		sets = []*backupset.BackupSet{}
	}
	s.respondJSON(w, http.StatusOK, sets)
}

// CreateSet handles POST /sets.
func (s *Server) CreateSet(w http.ResponseWriter, r *http.Request) {
	var set backupset.BackupSet
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		s.respondErrorCode(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.Create(&set); err != nil {
		s.respondError(w, err)
		return
	}
	s.publishScheduleChanged(set.Name)
	s.respondJSON(w, http.StatusCreated, set)
}

// GetSet handles GET /sets/{name}.
func (s *Server) GetSet(w http.ResponseWriter, r *http.Request) {
	set, err := s.store.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, set)
}

// UpdateSet handles PUT /sets/{name}.
func (s *Server) UpdateSet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var set backupset.BackupSet
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		s.respondErrorCode(w, http.StatusBadRequest, err)
		return
	}
	set.Name = name
	if err := s.store.Update(name, &set); err != nil {
		s.respondError(w, err)
		return
	}
	s.publishScheduleChanged(name)
	s.respondJSON(w, http.StatusOK, set)
}

// DeleteSet handles DELETE /sets/{name}.
func (s *Server) DeleteSet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.store.Delete(name); err != nil {
		s.respondError(w, err)
		return
	}
	s.publishScheduleChanged(name)
	w.WriteHeader(http.StatusNoContent)
}

// SetEnabled handles POST /sets/{name}/enabled.
func (s *Server) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondErrorCode(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetEnabled(chi.URLParam(r, "name"), body.Enabled); err != nil {
		s.respondError(w, err)
		return
	}
	s.publishScheduleChanged(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

// RunSet handles POST /sets/{name}/run, queueing a manual backup.
func (s *Server) RunSet(w http.ResponseWriter, r *http.Request) {
	set, err := s.store.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	rec, err := s.engine.SubmitBackup(set)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, rec)
}

// ListArchives handles GET /sets/{name}/archives.
func (s *Server) ListArchives(w http.ResponseWriter, r *http.Request) {
	set, err := s.store.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	dest, err := storage.New(set.Destination)
	if err != nil {
		s.respondError(w, err)
		return
	}
	infos, err := archive.List(dest, set.Name)
	if err != nil {
		s.respondErrorCode(w, http.StatusBadGateway, err)
		return
	}
	if infos == nil {
		infos = []archive.Info{}
	}
	s.respondJSON(w, http.StatusOK, infos)
}

// ExportSets handles GET /sets/export.
func (s *Server) ExportSets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Export(w); err != nil {
		s.logger.Error("export failed", zap.Error(err))
	}
}

// ImportSets handles POST /sets/import.
func (s *Server) ImportSets(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Import(r.Body)
	if err != nil {
		s.respondErrorCode(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"imported": n})
}

// ListJobs handles GET /jobs with optional set, outcome, since and until
// query parameters. Times are RFC 3339.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	f := jobs.Filter{
		SetName: r.URL.Query().Get("set"),
		Outcome: r.URL.Query().Get("outcome"),
	}
	for _, q := range []struct {
		name string
		into *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := r.URL.Query().Get(q.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.respondErrorCode(w, http.StatusBadRequest, err)
				return
			}
			*q.into = t
		}
	}

	recs, err := s.registry.Query(f)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if recs == nil {
		recs = []*jobs.Record{}
	}
	s.respondJSON(w, http.StatusOK, recs)
}

// GetJob handles GET /jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.respondErrorCode(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.registry.Get(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

// GetJobLog handles GET /jobs/{id}/log.
func (s *Server) GetJobLog(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.respondErrorCode(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.registry.Get(id); err != nil {
		s.respondError(w, err)
		return
	}
	lines, err := s.registry.Log(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if lines == nil {
		lines = []jobs.LogLine{}
	}
	s.respondJSON(w, http.StatusOK, lines)
}

// CancelJob handles POST /jobs/{id}/cancel.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.respondErrorCode(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Cancel(id); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PurgeJobs handles POST /jobs/purge with an RFC 3339 "before" cutoff.
func (s *Server) PurgeJobs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Before time.Time `json:"before"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondErrorCode(w, http.StatusBadRequest, err)
		return
	}
	if body.Before.IsZero() {
		s.respondErrorCode(w, http.StatusBadRequest, errors.New("missing before cutoff"))
		return
	}
	n, err := s.registry.PurgeFinishedBefore(body.Before)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// StartRestore handles POST /restore, queueing a restore job. Preflight
// failures surface synchronously as 422.
func (s *Server) StartRestore(w http.ResponseWriter, r *http.Request) {
	var req restore.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErrorCode(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.engine.SubmitRestore(req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, rec)
}

// publishScheduleChanged notifies bus subscribers that a set's definition or
// schedule changed, so listeners (desktop UI, bridged brokers) can refresh.
func (s *Server) publishScheduleChanged(setName string) {
	if s.bus == nil {
		return
	}
	msg := broker.Message{
		EventID:   uuid.New().String(),
		EventType: broker.SetScheduleChanged,
		CreatedAt: time.Now(),
		SetName:   setName,
	}
	if err := s.bus.Publish(broker.TopicEvents, msg); err != nil {
		s.logger.Warn("failed to publish schedule change", zap.Error(err))
	}
}

func jobID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// respondError maps domain errors to status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, backupset.ErrNotFound), errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, engine.ErrJobNotRunning):
		code = http.StatusNotFound
	case errors.Is(err, backupset.ErrDuplicateName), errors.Is(err, engine.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, backupset.ErrInvalidSet), errors.Is(err, restore.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, archive.ErrManifestUnreadable), errors.Is(err, restore.ErrTargetNotWritable):
		code = http.StatusUnprocessableEntity
	}
	s.respondErrorCode(w, code, err)
}

func (s *Server) respondErrorCode(w http.ResponseWriter, code int, err error) {
	s.respondJSON(w, code, map[string]string{"error": err.Error()})
}
