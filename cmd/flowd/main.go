// Copyright 2025 The flowd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// flowd is the workflow scheduler daemon: it terminates worker control-plane
// sessions, schedules runs, and dispatches tasks to connected workers.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshworks/flowd/internal/config"
	"github.com/meshworks/flowd/internal/daemon"
	"github.com/meshworks/flowd/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowd",
		Short:         "Workflow scheduler control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}

			svc, err := daemon.New(cfg, daemon.Stores{}, daemon.Options{
				Version:   version,
				Commit:    commit,
				BuildDate: buildDate,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return svc.Start(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "Control-plane listen address (host:port)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the worker instance index")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("flowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
