// This file is part of fwbackupd
//
// Copyright (C) 2026  The fwbackups authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>

package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwbackups/fwbackupd/pkg/backupset"
)

func resetCreateFlags() {
	setsCreateSources = nil
	setsCreateDestType = "local"
	setsCreateDestPath = ""
	setsCreateCron = ""
	setsCreateRunAt = ""
	setsCreateKeepLast = 0
	setsCreateMaxAge = 0
}

func TestBuildSet(t *testing.T) {
	defer resetCreateFlags()

	resetCreateFlags()
	setsCreateSources = []string{"/data/docs"}
	setsCreateDestPath = "/backups"
	set, err := buildSet("docs")
	require.NoError(t, err)
	assert.Equal(t, backupset.ScheduleDisabled, set.Schedule.Kind)
	assert.True(t, set.Enabled)

	setsCreateCron = "0 2 * * *"
	set, err = buildSet("docs")
	require.NoError(t, err)
	assert.Equal(t, backupset.ScheduleRecurring, set.Schedule.Kind)
	assert.Equal(t, "0 2 * * *", set.Schedule.Spec)

	setsCreateCron = ""
	setsCreateRunAt = "2026-09-01T02:00:00Z"
	set, err = buildSet("docs")
	require.NoError(t, err)
	assert.Equal(t, backupset.ScheduleRunOnce, set.Schedule.Kind)
	assert.Equal(t, time.Date(2026, 9, 1, 2, 0, 0, 0, time.UTC), set.Schedule.RunAt)

	setsCreateRunAt = "yesterday"
	_, err = buildSet("docs")
	assert.Error(t, err)

	setsCreateRunAt = "2026-09-01T02:00:00Z"
	setsCreateCron = "0 2 * * *"
	_, err = buildSet("docs")
	assert.Error(t, err, "cron and run-at together are rejected")
}

func TestSetsCreateCommand(t *testing.T) {
	defer resetCreateFlags()
	resetCreateFlags()

	var got backupset.BackupSet
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sets", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(got)
	}))
	defer srv.Close()

	oldAddr := addr
	addr = strings.TrimPrefix(srv.URL, "http://")
	defer func() { addr = oldAddr }()

	setsCreateSources = []string{"/data/docs", "/data/mail"}
	setsCreateDestPath = "/backups"
	setsCreateCron = "30 1 * * 0"
	setsCreateKeepLast = 4
	setsCreateCmd.Run(setsCreateCmd, []string{"docs"})

	assert.Equal(t, "docs", got.Name)
	assert.Equal(t, []string{"/data/docs", "/data/mail"}, got.Sources)
	assert.Equal(t, "local", got.Destination.Type)
	assert.Equal(t, "/backups", got.Destination.Path)
	assert.Equal(t, backupset.ScheduleRecurring, got.Schedule.Kind)
	assert.Equal(t, 4, got.Retention.KeepLast)
	assert.True(t, got.Enabled)
}
