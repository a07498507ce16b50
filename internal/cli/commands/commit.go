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

var commitCmd = &cobra.Command{
	Use:   "commit KEY...",
	Short: "Append an operation with the given invalidation keys",
	Long: `Appends an operation to the shared log and signals the cluster. Every
node whose cache holds entries depending on one of the keys will invalidate
them. Mainly an operational and testing hook; applications normally commit
through the oplog API inside their own transactions.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemon.SendRequest(&daemon.Request{
			Type: daemon.RequestCommit,
			Keys: args,
		})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}
		fmt.Printf("Committed seq %d (op %s)\n", resp.Seq, resp.OpID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commitCmd)
}
