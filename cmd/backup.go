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

	"github.com/fwbackups/fwbackupd/pkg/jobs"
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup <set>",
	Short: "Run a backup of a set immediately.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var rec jobs.Record
		mustCallAgent(http.MethodPost, "/sets/"+args[0]+"/run", nil, &rec)
		fmt.Printf("queued backup of set %q as job %d\n", args[0], rec.ID)
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
}
