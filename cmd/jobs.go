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
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fwbackups/fwbackupd/pkg/jobs"
)

var listJobsHeaders = []string{"ID", "KIND", "SET", "STARTED", "OUTCOME", "FILES", "BYTES"}

var (
	jobsSetFilter     string
	jobsOutcomeFilter string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job log.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records, newest first.",
	Run: func(cmd *cobra.Command, args []string) {
		q := url.Values{}
		if jobsSetFilter != "" {
			q.Set("set", jobsSetFilter)
		}
		if jobsOutcomeFilter != "" {
			q.Set("outcome", jobsOutcomeFilter)
		}
		path := "/jobs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var recs []jobs.Record
		mustCallAgent(http.MethodGet, path, nil, &recs)

		data := make([][]string, 0, len(recs))
		for _, rec := range recs {
			data = append(data, []string{
				strconv.FormatInt(rec.ID, 10),
				rec.Kind,
				rec.SetName,
				humanize.Time(rec.StartedAt),
				rec.Outcome,
				strconv.FormatInt(rec.FilesTransferred, 10),
				humanize.Bytes(uint64(rec.BytesTransferred)),
			})
		}
		printTable(listJobsHeaders, data)
	},
}

var jobsLogCmd = &cobra.Command{
	Use:   "log <id>",
	Short: "Print a job's log.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var lines []jobs.LogLine
		mustCallAgent(http.MethodGet, "/jobs/"+args[0]+"/log", nil, &lines)
		for _, line := range lines {
			fmt.Printf("%s %-5s %s\n", line.Time.Format("2006-01-02 15:04:05"), line.Severity, line.Text)
		}
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running job.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mustCallAgent(http.MethodPost, "/jobs/"+args[0]+"/cancel", nil, nil)
		fmt.Printf("cancellation requested for job %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsListCmd.PersistentFlags().StringVar(&jobsSetFilter, "set", "", "Only jobs of this set")
	jobsListCmd.PersistentFlags().StringVar(&jobsOutcomeFilter, "outcome", "", "Only jobs with this outcome")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsLogCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}
