/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/bwagner5/vllmhost/pkg/userdata"
)

type statusRow struct {
	Step    string `json:"step" table:"Step"`
	State   string `json:"state" table:"State"`
	Done    bool   `json:"done" table:"Done"`
	Updated string `json:"updated" table:"Updated"`
	Message string `json:"message,omitempty" table:"Message,wide"`
}

var (
	cmdStatus = &cobra.Command{
		Use:   "status",
		Short: "Print how far the bootstrap script on the instance has progressed",
		Long: `Reads the bootstrap status file from the instance through SSM Run Command.
The instance must be running and registered with SSM, which can take a few minutes after up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return status(cmd.Context(), globalOpts)
		},
	}
)

func init() {
	rootCmd.AddCommand(cmdStatus)
}

func status(ctx context.Context, globalOpts GlobalOptions) error {
	session, err := NewSession(ctx, globalOpts)
	if err != nil {
		return err
	}
	bootstrapStatus, err := session.Host.BootstrapStatus(ctx, globalOpts.Namespace, globalOpts.Name)
	if err != nil {
		return err
	}
	return render([]statusRow{newStatusRow(bootstrapStatus)})
}

func newStatusRow(s userdata.Status) statusRow {
	return statusRow{
		Step:    s.Step,
		State:   s.State,
		Done:    s.Done(),
		Updated: s.Updated.Format(time.RFC3339),
		Message: s.Message,
	}
}
