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

var getCmd = &cobra.Command{
	Use:   "get COMPUTATION [ARGS]",
	Short: "Evaluate a computation through the node's cache",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &daemon.Request{
			Type:        daemon.RequestGet,
			Computation: args[0],
		}
		if len(args) > 1 {
			req.Args = args[1]
		}
		resp, err := daemon.SendRequest(req)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}
		fmt.Println(string(resp.Value))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
