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
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/backupset"
	"github.com/fwbackups/fwbackupd/pkg/broker/memory"
	"github.com/fwbackups/fwbackupd/pkg/broker/mqtt"
	"github.com/fwbackups/fwbackupd/pkg/engine"
	"github.com/fwbackups/fwbackupd/pkg/jobs"
	"github.com/fwbackups/fwbackupd/pkg/scheduler"
	"github.com/fwbackups/fwbackupd/pkg/server"
)

// agentCmd represents the agent command
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the backup agent.",
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := viper.GetString("data_dir")
		if dataDir == "" {
			home, err := homedir.Dir()
			if err != nil {
				logger.Fatal("failed to locate home directory", zap.Error(err))
			}
			dataDir = filepath.Join(home, ".fwbackupd")
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			logger.Fatal("failed to create data directory", zap.Error(err))
		}

		store, err := backupset.OpenStore(filepath.Join(dataDir, "sets.db"), logger)
		if err != nil {
			logger.Fatal("failed to open set store", zap.Error(err))
		}
		defer store.Close()

		registry, err := jobs.OpenRegistry(filepath.Join(dataDir, "jobs.db"), logger)
		if err != nil {
			logger.Fatal("failed to open job registry", zap.Error(err))
		}
		defer registry.Close()

		bus, err := memory.NewBus(memory.WithLogger(logger))
		if err != nil {
			logger.Fatal("failed to create event bus", zap.Error(err))
		}
		defer bus.Disconnect()

		eng, err := engine.New(registry, bus,
			engine.WithLogger(logger),
			engine.WithWorkers(viper.GetInt("workers")),
		)
		if err != nil {
			logger.Fatal("failed to create engine", zap.Error(err))
		}

		sched, err := scheduler.New(store, eng, bus, eng.Locker(), scheduler.WithLogger(logger))
		if err != nil {
			logger.Fatal("failed to create scheduler", zap.Error(err))
		}
		if err := sched.Start(); err != nil {
			logger.Fatal("failed to start scheduler", zap.Error(err))
		}
		defer sched.Stop()

		opts := []server.Option{
			server.WithAddr(addr),
			server.WithStore(store),
			server.WithRegistry(registry),
			server.WithEngine(eng),
			server.WithBus(bus),
			server.WithLogger(logger),
		}

		if brokerURL := viper.GetString("broker_url"); brokerURL != "" {
			agentID := viper.GetString("agent_id")
			if agentID == "" {
				agentID = uuid.New().String()
			}
			bridge, err := mqtt.NewBroker(
				mqtt.WithURL(brokerURL),
				mqtt.WithClientID(agentID),
				mqtt.WithLogger(logger),
			)
			if err != nil {
				logger.Fatal("failed to create broker bridge", zap.Error(err))
			}
			opts = append(opts, server.WithBridge(bridge, "fwbackupd/"+agentID+"/events"))
		}

		logger.Debug("Listening address: " + addr)
		s, err := server.New(opts...)
		if err != nil {
			logger.Fatal("failed to create new server", zap.Error(err))
		}
		if err := s.Run(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server run failed", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
