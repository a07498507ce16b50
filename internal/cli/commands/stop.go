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
	"fmt"

	"github.com/spf13/cobra"

	"pulsecache/internal/daemon"
	"pulsecache/internal/util"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !daemon.IsRunning() {
			fmt.Println("Daemon not running")
			return nil
		}
		resp, err := daemon.SendRequest(&daemon.Request{Type: daemon.RequestStop})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}

		// The daemon acknowledges before it exits; wait for the socket to go
		// away so a follow-up serve doesn't race the old instance's lock.
		if err := util.PollUntil(cmd.Context(), util.DefaultPollConfig(), func() bool {
			return !daemon.IsRunning()
		}); err != nil {
			fmt.Println("Daemon stopping (still shutting down)")
			return nil
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
