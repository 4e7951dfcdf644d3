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

	"github.com/spf13/cobra"

	"github.com/bwagner5/vllmhost/pkg/plans"
)

var (
	cmdOutputs = &cobra.Command{
		Use:   "outputs",
		Short: "Print the identifiers of the inference host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return outputs(cmd.Context(), globalOpts)
		},
	}
)

func init() {
	rootCmd.AddCommand(cmdOutputs)
}

func outputs(ctx context.Context, globalOpts GlobalOptions) error {
	session, err := NewSession(ctx, globalOpts)
	if err != nil {
		return err
	}
	out, err := session.Host.Outputs(ctx, globalOpts.Namespace, globalOpts.Name)
	if err != nil {
		return err
	}
	return render([]plans.Outputs{out})
}
