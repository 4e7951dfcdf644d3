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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bwagner5/vllmhost/pkg/userdata"
)

type RenderOptions struct {
	ShowSecrets bool
	UserData    string
}

var (
	renderOptions = RenderOptions{}
	cmdRender     = &cobra.Command{
		Use:   "render",
		Short: "Print the user data the instance would boot with",
		Long:  `Print the user data the instance would boot with. Secret references are resolved, and secrets are redacted unless --show-secrets is set.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return renderUserData(cmd.Context(), renderOptions, globalOpts)
		},
	}
)

func init() {
	rootCmd.AddCommand(cmdRender)
	cmdRender.Flags().BoolVar(&renderOptions.ShowSecrets, "show-secrets", false, "Print secrets in plain text")
	cmdRender.Flags().StringVar(&renderOptions.UserData, "user-data", "", "A file used as user data instead of the bootstrap script. e.g. --user-data file://userdata.sh")
}

func renderUserData(ctx context.Context, renderOptions RenderOptions, globalOpts GlobalOptions) error {
	session, err := NewSession(ctx, globalOpts)
	if err != nil {
		return err
	}
	if renderOptions.UserData != "" {
		session.Config.UserData.File = renderOptions.UserData
	}
	plan, err := session.DeploymentPlan(globalOpts)
	if err != nil {
		return err
	}
	script, secrets, err := session.Host.UserData(ctx, plan.Spec.UserData)
	if err != nil {
		return err
	}
	if !renderOptions.ShowSecrets {
		script = userdata.Redact(script, secrets...)
	}
	fmt.Print(script)
	return nil
}
