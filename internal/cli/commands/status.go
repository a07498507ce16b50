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
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running node's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemon.SendRequest(&daemon.Request{Type: daemon.RequestStatus})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}

		fmt.Printf("Daemon running (PID %d)\n", resp.PID)
		fmt.Printf("  log tail:      seq %d\n", resp.MaxSeq)
		fmt.Printf("  drained up to: seq %d\n", resp.LastSeen)
		fmt.Printf("  cache entries: %d\n", resp.CacheEntries)
		fmt.Printf("  subscribers:   %d\n", resp.Subscribers)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
