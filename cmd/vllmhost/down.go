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

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/plans"
)

type DownOptions struct {
	Force bool
}

type deletionRow struct {
	Kind string `table:"Kind"`
	ID   string `table:"ID"`
}

var (
	downOptions = DownOptions{}
	cmdDown     = &cobra.Command{
		Use:   "down",
		Short: "Delete every resource of the inference host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return down(cmd.Context(), downOptions, globalOpts)
		},
	}
)

func init() {
	rootCmd.AddCommand(cmdDown)
	cmdDown.Flags().BoolVar(&downOptions.Force, "force", false, "Delete without asking for confirmation")
}

func down(ctx context.Context, downOptions DownOptions, globalOpts GlobalOptions) error {
	session, err := NewSession(ctx, globalOpts)
	if err != nil {
		return err
	}
	deletionPlan, err := session.Host.DeletionPlan(ctx, globalOpts.Namespace, globalOpts.Name)
	if err != nil {
		return err
	}
	if deletionPlan.Spec.Empty() {
		fmt.Printf("Nothing to delete for %s/%s in %s\n", globalOpts.Namespace, globalOpts.Name, session.Host.Region())
		return nil
	}
	if err := render(deletionRows(deletionPlan.Spec)); err != nil {
		return err
	}
	if !downOptions.Force {
		confirmed := false
		if err := huh.NewConfirm().
			Title(fmt.Sprintf("Delete %s/%s in %s?", globalOpts.Namespace, globalOpts.Name, session.Host.Region())).
			Affirmative("Delete").
			Negative("Cancel").
			Value(&confirmed).
			Run(); err != nil {
			return err
		}
		if !confirmed {
			return nil
		}
	}
	deletionPlan, err = session.Host.Delete(ctx, deletionPlan)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).Info("deleted", "namespace", globalOpts.Namespace, "name", globalOpts.Name, "region", session.Host.Region(),
		"instances", len(deletionPlan.Status.Instances), "vpcs", len(deletionPlan.Status.VPCs))
	return nil
}

func deletionRows(spec plans.DeletionSpec) []deletionRow {
	var rows []deletionRow
	add := func(kind string, ids ...*string) {
		for _, id := range ids {
			if id != nil {
				rows = append(rows, deletionRow{Kind: kind, ID: *id})
			}
		}
	}
	for _, i := range spec.Instances {
		add("instance", i.InstanceId)
	}
	for _, p := range spec.InstanceProfiles {
		add("instance-profile", p.InstanceProfileName)
	}
	for _, r := range spec.Roles {
		add("iam-role", r.RoleName)
	}
	for _, rt := range spec.RouteTables {
		add("route-table", rt.RouteTableId)
	}
	for _, igw := range spec.InternetGateways {
		add("internet-gateway", igw.InternetGatewayId)
	}
	for _, s := range spec.Subnets {
		add("subnet", s.SubnetId)
	}
	for _, v := range spec.VPCs {
		add("vpc", v.VpcId)
	}
	return rows
}
