// Copyright 2025 PulseCache Authors
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

package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pulsecache/internal/daemon"
)

var serveLogLevel string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a pulsecache node in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := daemon.LoadSettings()
		if err != nil {
			return err
		}

		d := daemon.New(settings)
		d.LogLevel = serveLogLevel

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "override log level (trace, debug, info, warn, off)")
	rootCmd.AddCommand(serveCmd)
}
