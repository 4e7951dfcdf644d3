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
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/bwagner5/vllmhost/pkg/config"
	"github.com/bwagner5/vllmhost/pkg/host"
	"github.com/bwagner5/vllmhost/pkg/logging"
	"github.com/bwagner5/vllmhost/pkg/plans"
	"github.com/bwagner5/vllmhost/pkg/pretty"
)

var (
	version = ""
)

type GlobalOptions struct {
	Namespace  string
	Name       string
	Verbose    bool
	Output     string
	ConfigFile string
	Region     string
	Profile    string
}

var (
	globalOpts = GlobalOptions{}
	rootCmd    = &cobra.Command{
		Use:           "vllmhost",
		Short:         "Provision a GPU inference host running vLLM on AWS",
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !lo.Contains(pretty.Formats, globalOpts.Output) {
				return fmt.Errorf("unknown output format %q, must be one of %v", globalOpts.Output, pretty.Formats)
			}
			logger := logging.DefaultLogger(os.Stderr, globalOpts.Verbose)
			cmd.SetContext(logging.ToContext(cmd.Context(), logger))
			return nil
		},
	}
)

func main() {
	rootCmd.PersistentFlags().BoolVar(&globalOpts.Verbose, "verbose", false, "Verbose output")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.Output, "output", "o", pretty.FormatTable,
		fmt.Sprintf("Output mode: %v", pretty.Formats))
	rootCmd.PersistentFlags().StringVarP(&globalOpts.ConfigFile, "file", "f", "", "YAML Config File")

	rootCmd.PersistentFlags().StringVarP(&globalOpts.Namespace, "namespace", "n", "default", "Logical grouping of resources. All resources are tagged with the namespace.")
	rootCmd.PersistentFlags().StringVar(&globalOpts.Name, "name", "vllm", "Name of the host. All resources are tagged with the name.")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.Region, "region", "r", "", "AWS Region")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.Profile, "profile", "p", "", "AWS CLI Profile")

	rootCmd.AddCommand(&cobra.Command{Use: "completion", Hidden: true})
	cobra.EnableCommandSorting = false

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Session is everything a command needs to talk to one deployment
type Session struct {
	Config config.Config
	Host   host.AWSHost
}

// NewSession loads the config file and environment overrides, then the AWS config.
// The --region flag wins over the config file, which wins over the AWS profile's region.
func NewSession(ctx context.Context, globalOpts GlobalOptions) (Session, error) {
	cfg, err := config.Load(globalOpts.ConfigFile)
	if err != nil {
		return Session{}, err
	}
	if globalOpts.Region != "" {
		cfg.Region = globalOpts.Region
	}
	awsCfg, err := AWSConfig(ctx, cfg.Region, globalOpts.Profile)
	if err != nil {
		return Session{}, err
	}
	if awsCfg.Region == "" {
		return Session{}, fmt.Errorf("no AWS region configured, use --region or set region in the config file")
	}
	cfg.Region = awsCfg.Region
	h, err := host.New(ctx, *awsCfg)
	if err != nil {
		return Session{}, err
	}
	return Session{Config: cfg, Host: h}, nil
}

// DeploymentPlan builds the desired state of the host from the session config
func (s Session) DeploymentPlan(globalOpts GlobalOptions) (plans.DeploymentPlan, error) {
	spec, err := s.Config.DeploymentSpec()
	if err != nil {
		return plans.DeploymentPlan{}, err
	}
	return plans.DeploymentPlan{
		Metadata: plans.DeploymentMetadata{Namespace: globalOpts.Namespace, Name: globalOpts.Name},
		Spec:     spec,
	}, nil
}

func AWSConfig(ctx context.Context, region, profile string) (*aws.Config, error) {
	var options []func(*awsconfig.LoadOptions) error
	if region != "" {
		options = append(options, awsconfig.WithRegion(region))
	}
	if profile != "" {
		options = append(options, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func render[T any](data []T) error {
	out, err := pretty.Render(data, globalOpts.Output)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
