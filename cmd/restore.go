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
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fwbackups/fwbackupd/pkg/backupset"
	"github.com/fwbackups/fwbackupd/pkg/jobs"
	"github.com/fwbackups/fwbackupd/pkg/restore"
)

var (
	restoreSet      string
	restoreArchive  string
	restoreTarget   string
	restoreConflict string
)

// restoreCmd represents the restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore an archive into a directory.",
	Run: func(cmd *cobra.Command, args []string) {
		// The archive lives on the set's destination; fetch it so the
		// caller does not have to repeat credentials.
		var set backupset.BackupSet
		mustCallAgent(http.MethodGet, "/sets/"+restoreSet, nil, &set)

		var rec jobs.Record
		mustCallAgent(http.MethodPost, "/restore", restore.Request{
			SetName:     set.Name,
			ArchiveName: restoreArchive,
			Destination: set.Destination,
			TargetDir:   restoreTarget,
			Conflict:    restoreConflict,
		}, &rec)
		fmt.Printf("queued restore of %q as job %d\n", restoreArchive, rec.ID)
	},
}

func init() {
	restoreCmd.PersistentFlags().StringVar(&restoreSet, "set", "", "The set the archive belongs to")
	restoreCmd.PersistentFlags().StringVar(&restoreArchive, "archive", "", "The archive to restore")
	restoreCmd.PersistentFlags().StringVar(&restoreTarget, "target", "", "The directory to restore into")
	restoreCmd.PersistentFlags().StringVar(&restoreConflict, "conflict", "skip", "Conflict policy: overwrite, skip or rename")
	_ = restoreCmd.MarkPersistentFlagRequired("set")
	_ = restoreCmd.MarkPersistentFlagRequired("archive")
	_ = restoreCmd.MarkPersistentFlagRequired("target")
	rootCmd.AddCommand(restoreCmd)
}
