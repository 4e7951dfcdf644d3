package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"dario.cat/mergo"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bwagner5/vllmhost/pkg/bytesize"
	"github.com/bwagner5/vllmhost/pkg/plans"
	"github.com/bwagner5/vllmhost/pkg/providers/amis"
	"github.com/bwagner5/vllmhost/pkg/providers/instancetypes"
	"github.com/bwagner5/vllmhost/pkg/providers/roles"
	"github.com/bwagner5/vllmhost/pkg/userdata"
)

// EnvPrefix is prepended to every environment override, e.g. VLLMHOST_HF_TOKEN
const EnvPrefix = "VLLMHOST"

const (
	DefaultVPCCIDR           = "10.7.0.0/16"
	DefaultPublicSubnetCIDR  = "10.7.1.0/24"
	DefaultPrivateSubnetCIDR = "10.7.2.0/24"
	DefaultInstanceType      = "g5.xlarge"
	DefaultRootVolumeSize    = "120Gi"
	DefaultRootVolumeType    = "gp3"
)

// Config is the YAML config file of a host. Every field is optional and falls back to Defaults.
type Config struct {
	Region   string   `yaml:"region,omitempty"`
	Network  Network  `yaml:"network,omitempty"`
	Identity Identity `yaml:"identity,omitempty"`
	Instance Instance `yaml:"instance,omitempty"`
	UserData UserData `yaml:"userData,omitempty"`
}

type Network struct {
	CIDR               string `yaml:"cidr,omitempty"`
	EnableDNSHostnames *bool  `yaml:"enableDNSHostnames,omitempty"`
	EnableDNSSupport   *bool  `yaml:"enableDNSSupport,omitempty"`
	PublicSubnet       Subnet `yaml:"publicSubnet,omitempty"`
	PrivateSubnet      Subnet `yaml:"privateSubnet,omitempty"`
}

// Subnet AZs default to the "a" and "b" zones of the region when empty
type Subnet struct {
	CIDR string `yaml:"cidr,omitempty"`
	AZ   string `yaml:"az,omitempty"`
}

type Identity struct {
	PolicyARN string `yaml:"policyARN,omitempty"`
}

type Instance struct {
	Type                 string `yaml:"type,omitempty"`
	InstanceTypeSelector string `yaml:"instanceTypeSelector,omitempty"`
	AMISelector          string `yaml:"amiSelector,omitempty"`
	RootVolumeSize       string `yaml:"rootVolumeSize,omitempty"`
	RootVolumeType       string `yaml:"rootVolumeType,omitempty"`
	DeleteOnTermination  *bool  `yaml:"deleteOnTermination,omitempty"`
}

// UserData is either a file used verbatim or the values rendered into the bootstrap script
type UserData struct {
	File            string `yaml:"file,omitempty"`
	userdata.Values `yaml:",inline"`
}

// Defaults returns the config used when nothing is overridden
func Defaults() Config {
	return Config{
		Network: Network{
			CIDR:               DefaultVPCCIDR,
			EnableDNSHostnames: lo.ToPtr(true),
			EnableDNSSupport:   lo.ToPtr(true),
			PublicSubnet:       Subnet{CIDR: DefaultPublicSubnetCIDR},
			PrivateSubnet:      Subnet{CIDR: DefaultPrivateSubnetCIDR},
		},
		Identity: Identity{PolicyARN: roles.SSMManagedInstanceCorePolicyARN},
		Instance: Instance{
			Type:                 DefaultInstanceType,
			InstanceTypeSelector: instancetypes.DefaultSelector,
			AMISelector:          amis.DefaultSelector,
			RootVolumeSize:       DefaultRootVolumeSize,
			RootVolumeType:       DefaultRootVolumeType,
			DeleteOnTermination:  lo.ToPtr(true),
		},
	}
}

// Load merges the YAML file at path, if any, over Defaults and then applies environment overrides
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		configBytes, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if cfg, err = Merge(cfg, configBytes); err != nil {
			return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}
	cfg.OverrideFromEnv(viper.New())
	return cfg, nil
}

// Merge overrides cfg with every field set in the YAML document. Unknown fields are rejected.
func Merge(cfg Config, configBytes []byte) (Config, error) {
	var parsed Config
	dec := yaml.NewDecoder(bytes.NewReader(configBytes))
	dec.KnownFields(true)
	if err := dec.Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
		return cfg, err
	}
	// pointers are replaced rather than dereferenced so an explicit false overrides a default true
	if err := mergo.Merge(&cfg, parsed, mergo.WithOverride, mergo.WithoutDereference); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// OverrideFromEnv replaces the region, instance type, and user data values with any set in the environment
func (c *Config) OverrideFromEnv(v *viper.Viper) {

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for key, field := range map[string]*string{
		"region":          &c.Region,
		"instance_type":   &c.Instance.Type,
		"user_data":       &c.UserData.File,
		"datadog_api_key": &c.UserData.DataDogAPIKey,
		"datadog_site":    &c.UserData.DataDogSite,
		"hf_token":        &c.UserData.HFToken,
		"model":           &c.UserData.Model,
	} {
		if value := v.GetString(key); value != "" {
			*field = value
		}
	}
	if timeout := v.GetDuration("ready_timeout"); timeout != 0 {
		c.UserData.ReadyTimeout = timeout
	}
}

// DeploymentSpec parses the selectors and sizes of the config. The spec is validated by apply.
func (c Config) DeploymentSpec() (plans.DeploymentSpec, error) {
	amiSelectors, err := amis.ParseSelectors(c.Instance.AMISelector)
	if err != nil {
		return plans.DeploymentSpec{}, err
	}
	instanceTypeSelectors, err := instancetypes.ParseSelectors(c.Instance.InstanceTypeSelector)
	if err != nil {
		return plans.DeploymentSpec{}, err
	}
	rootVolumeSize, err := bytesize.Parse(c.Instance.RootVolumeSize)
	if err != nil {
		return plans.DeploymentSpec{}, fmt.Errorf("invalid root volume size: %w", err)
	}
	return plans.DeploymentSpec{
		Region: c.Region,
		Network: plans.NetworkSpec{
			CIDR:               c.Network.CIDR,
			EnableDNSHostnames: lo.FromPtr(c.Network.EnableDNSHostnames),
			EnableDNSSupport:   lo.FromPtr(c.Network.EnableDNSSupport),
			PublicSubnet: plans.SubnetSpec{
				CIDR: c.Network.PublicSubnet.CIDR,
				AZ:   zone(c.Region, c.Network.PublicSubnet.AZ, "a"),
			},
			PrivateSubnet: plans.SubnetSpec{
				CIDR: c.Network.PrivateSubnet.CIDR,
				AZ:   zone(c.Region, c.Network.PrivateSubnet.AZ, "b"),
			},
		},
		Identity: plans.IdentitySpec{PolicyARN: c.Identity.PolicyARN},
		Instance: plans.InstanceSpec{
			InstanceType:          c.Instance.Type,
			InstanceTypeSelectors: instanceTypeSelectors,
			AMISelectors:          amiSelectors,
			RootVolumeSize:        rootVolumeSize,
			RootVolumeType:        c.Instance.RootVolumeType,
			DeleteOnTermination:   lo.FromPtr(c.Instance.DeleteOnTermination),
		},
		UserData: plans.UserDataSpec{
			File:   c.UserData.File,
			Values: c.UserData.Values,
		},
	}, nil
}

func zone(region, az, suffix string) string {
	if az != "" || region == "" {
		return az
	}
	return region + suffix
}
