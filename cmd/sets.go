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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fwbackups/fwbackupd/pkg/archive"
	"github.com/fwbackups/fwbackupd/pkg/backupset"
	"github.com/fwbackups/fwbackupd/pkg/storage"
)

var listSetsHeaders = []string{"NAME", "SOURCES", "SCHEDULE", "ENABLED"}
var listArchivesHeaders = []string{"ARCHIVE", "CREATED", "SIZE"}

// setsCmd represents the sets command
var setsCmd = &cobra.Command{
	Use:   "sets",
	Short: "Manage backup sets.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var setsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all backup sets.",
	Run: func(cmd *cobra.Command, args []string) {
		var sets []backupset.BackupSet
		mustCallAgent(http.MethodGet, "/sets", nil, &sets)

		data := make([][]string, 0, len(sets))
		for _, set := range sets {
			data = append(data, []string{
				set.Name,
				strings.Join(set.Sources, ","),
				describeSchedule(set.Schedule),
				strconv.FormatBool(set.Enabled),
			})
		}
		printTable(listSetsHeaders, data)
	},
}

var (
	setsCreateSources  []string
	setsCreateDestType string
	setsCreateDestPath string
	setsCreateCron     string
	setsCreateRunAt    string
	setsCreateKeepLast int
	setsCreateMaxAge   time.Duration
)

var setsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a backup set.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		set, err := buildSet(args[0])
		if err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}
		var created backupset.BackupSet
		mustCallAgent(http.MethodPost, "/sets", set, &created)
		fmt.Printf("created set %q (%s)\n", created.Name, describeSchedule(created.Schedule))
	},
}

// buildSet assembles the set definition from the create flags. Full
// validation stays on the agent side.
func buildSet(name string) (*backupset.BackupSet, error) {
	schedule := backupset.Schedule{Kind: backupset.ScheduleDisabled}
	switch {
	case setsCreateCron != "" && setsCreateRunAt != "":
		return nil, fmt.Errorf("--cron and --run-at are mutually exclusive")
	case setsCreateCron != "":
		schedule = backupset.Schedule{Kind: backupset.ScheduleRecurring, Spec: setsCreateCron}
	case setsCreateRunAt != "":
		runAt, err := time.Parse(time.RFC3339, setsCreateRunAt)
		if err != nil {
			return nil, fmt.Errorf("bad --run-at time: %v", err)
		}
		schedule = backupset.Schedule{Kind: backupset.ScheduleRunOnce, RunAt: runAt}
	}

	return &backupset.BackupSet{
		Name:        name,
		Sources:     setsCreateSources,
		Destination: storage.Config{Type: setsCreateDestType, Path: setsCreateDestPath},
		Schedule:    schedule,
		Retention: backupset.Retention{
			KeepLast: setsCreateKeepLast,
			MaxAge:   setsCreateMaxAge,
		},
		Enabled: true,
	}, nil
}

var setsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a backup set.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mustCallAgent(http.MethodDelete, "/sets/"+args[0], nil, nil)
	},
}

var setsEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a backup set's schedule.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mustCallAgent(http.MethodPost, "/sets/"+args[0]+"/enabled", map[string]bool{"enabled": true}, nil)
	},
}

var setsDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a backup set's schedule.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mustCallAgent(http.MethodPost, "/sets/"+args[0]+"/enabled", map[string]bool{"enabled": false}, nil)
	},
}

var setsArchivesCmd = &cobra.Command{
	Use:   "archives <name>",
	Short: "List a set's archives on its destination.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var infos []archive.Info
		mustCallAgent(http.MethodGet, "/sets/"+args[0]+"/archives", nil, &infos)

		data := make([][]string, 0, len(infos))
		for _, info := range infos {
			data = append(data, []string{
				info.Name,
				humanize.Time(info.CreatedAt),
				humanize.Bytes(uint64(info.Size)),
			})
		}
		printTable(listArchivesHeaders, data)
	},
}

func describeSchedule(s backupset.Schedule) string {
	switch s.Kind {
	case backupset.ScheduleRunOnce:
		return "once at " + s.RunAt.Format("2006-01-02 15:04")
	case backupset.ScheduleRecurring:
		return fmt.Sprintf("cron %q", s.Spec)
	default:
		return "manual only"
	}
}

func init() {
	setsCreateCmd.Flags().StringArrayVar(&setsCreateSources, "source", nil, "Source path to back up (repeatable)")
	setsCreateCmd.Flags().StringVar(&setsCreateDestType, "dest-type", "local", "Destination type: local, sftp or s3")
	setsCreateCmd.Flags().StringVar(&setsCreateDestPath, "dest-path", "", "Destination path or bucket prefix")
	setsCreateCmd.Flags().StringVar(&setsCreateCron, "cron", "", "Recurring schedule as a cron expression")
	setsCreateCmd.Flags().StringVar(&setsCreateRunAt, "run-at", "", "One-time schedule, RFC 3339")
	setsCreateCmd.Flags().IntVar(&setsCreateKeepLast, "keep-last", 0, "Keep only the newest N archives (0 keeps all)")
	setsCreateCmd.Flags().DurationVar(&setsCreateMaxAge, "max-age", 0, "Delete archives older than this (0 keeps all)")
	_ = setsCreateCmd.MarkFlagRequired("source")
	_ = setsCreateCmd.MarkFlagRequired("dest-path")

	rootCmd.AddCommand(setsCmd)
	setsCmd.AddCommand(setsListCmd)
	setsCmd.AddCommand(setsCreateCmd)
	setsCmd.AddCommand(setsDeleteCmd)
	setsCmd.AddCommand(setsEnableCmd)
	setsCmd.AddCommand(setsDisableCmd)
	setsCmd.AddCommand(setsArchivesCmd)
}
