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

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/plans"
)

type UpOptions struct {
	DryRun   bool
	UserData string
}

var (
	upOptions = UpOptions{}
	cmdUp     = &cobra.Command{
		Use:   "up",
		Short: "Create or update the inference host",
		Long: `Create or update the VPC, subnets, internet gateway, route table, IAM role, instance profile, and GPU instance of the host.
Resources that already exist and match are left alone, so up can be re-run safely.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return up(cmd.Context(), upOptions, globalOpts)
		},
	}
)

func init() {
	rootCmd.AddCommand(cmdUp)
	cmdUp.Flags().BoolVarP(&upOptions.DryRun, "dry-run", "d", false, "Will NOT create anything, only print the plan")
	cmdUp.Flags().StringVar(&upOptions.UserData, "user-data", "", "A file used as user data instead of the bootstrap script. e.g. --user-data file://userdata.sh")
}

func up(ctx context.Context, upOptions UpOptions, globalOpts GlobalOptions) error {
	session, err := NewSession(ctx, globalOpts)
	if err != nil {
		return err
	}
	if upOptions.UserData != "" {
		session.Config.UserData.File = upOptions.UserData
	}
	plan, err := session.DeploymentPlan(globalOpts)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).Info("applying", "namespace", plan.Metadata.Namespace, "name", plan.Metadata.Name, "region", plan.Spec.Region, "dry-run", upOptions.DryRun)
	applied, err := session.Host.Apply(ctx, upOptions.DryRun, plan)
	if err != nil {
		if len(applied.Status.Changes) > 0 {
			log := logging.FromContext(ctx)
			log.Error("apply stopped, resources already applied are left in place", "changes", len(applied.Status.Changes))
			if renderErr := render(applied.Status.Changes); renderErr != nil {
				log.Error("failed to render applied changes", "error", renderErr)
			}
		}
		return err
	}
	if upOptions.DryRun {
		if !applied.Status.HasChanges() {
			fmt.Println("No changes, the host is up to date")
			return nil
		}
		return render(applied.Status.Changes)
	}
	if globalOpts.Verbose {
		if err := render(applied.Status.Changes); err != nil {
			return err
		}
	}
	return render([]plans.Outputs{applied.Status.Outputs()})
}
