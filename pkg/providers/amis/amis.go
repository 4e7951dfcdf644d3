package amis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/selectors"
)

// DefaultSelector pins the GPU base image the host was built around
const DefaultSelector = "id:ami-081f526a977142913"

const ownerAliasFilter = "owner-alias"

var ErrNoCriteria = errors.New("ami selector term has no criteria")

var (
	aliases = map[string][]string{
		"dlami-ubuntu22": {
			"/aws/service/deeplearning/ami/x86_64/base-oss-nvidia-driver-gpu-ubuntu-22.04/latest/ami-id",
		},
		"dlami-al2023": {
			"/aws/service/deeplearning/ami/x86_64/base-oss-nvidia-driver-gpu-amazon-linux-2023/latest/ami-id",
		},
		"al2023": {
			"/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-arm64",
			"/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-x86_64",
		},
	}
)

type Selector struct {
	Tags         map[string]string
	Name         string
	ID           string
	OwnerID      string
	SSM          string
	Alias        string
	Architecture string
}

// Watcher discovers AMIs based on selectors
type Watcher struct {
	imageAPI SDKImageOps
	ssmAPI   SDKSSMOps
}

// SDKImageOps is an interface that combines the necessary EC2 SDK client interfaces
// AWS SDK for Go v2 does not provide a single interface that combines all the necessary methods
type SDKImageOps interface {
	ec2.DescribeImagesAPIClient
}

type SDKSSMOps interface {
	GetParameters(context.Context, *ssm.GetParametersInput, ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// AMI represent an AWS Machine Image (AMI)
// This is not the AWS SDK Image type, but a wrapper around it so that we can add additional data
type AMI struct {
	ec2types.Image
}

// ParseSelectors parses a string of selectors into a slice of Selector structs
func ParseSelectors(selectorStr string) ([]Selector, error) {
	selectors, err := selectors.ParseSelectorsTokens(selectorStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AMI selectors: %w", err)
	}
	amiSelectors := make([]Selector, 0, len(selectors))
	for _, selector := range selectors {
		amiSelector := Selector{
			Tags: selector.Tags,
		}
		_, hasAlias := selector.KeyVals["alias"]
		_, hasSSM := selector.KeyVals["ssm"]
		if hasAlias && hasSSM {
			return nil, fmt.Errorf("cannot have both alias and ssm in the same selector term")
		}
		for k, v := range selector.KeyVals {
			switch k {
			case "id":
				amiSelector.ID = v
			case "name":
				amiSelector.Name = v
			case "owner":
				amiSelector.OwnerID = v
			case "ssm":
				amiSelector.SSM = v
			case "architecture", "arch":
				amiSelector.Architecture = v
			case "alias":
				if _, ok := aliases[v]; !ok {
					return nil, fmt.Errorf("invalid ami alias %q, must be one of %s", v, strings.Join(Aliases(), ", "))
				}
				amiSelector.Alias = v
			default:
				return nil, fmt.Errorf("invalid ami selector key: %s", k)
			}
		}
		amiSelectors = append(amiSelectors, amiSelector)
	}
	return amiSelectors, nil
}

// Aliases returns the supported alias names, sorted
func Aliases() []string {
	return slices.Sorted(func(yield func(string) bool) {
		for k := range aliases {
			if !yield(k) {
				return
			}
		}
	})
}

// NewWatcher creates a new AMI Watcher
func NewWatcher(imageAPI SDKImageOps, ssmAPI SDKSSMOps) Watcher {
	return Watcher{
		imageAPI: imageAPI,
		ssmAPI:   ssmAPI,
	}
}

// Resolve returns a list of AMIs that match the provided selectors
// Multiple calls to EC2 may be sent to resolve the selectors
func (w Watcher) Resolve(ctx context.Context, selectors []Selector) ([]AMI, error) {
	var amis []AMI
	for _, term := range selectors {
		// SSM paths (directly or through an alias) resolve to image ids which are then AND'd with the rest of the term
		var paths []string
		if term.Alias != "" {
			paths = append(paths, aliases[term.Alias]...)
		}
		if term.SSM != "" {
			paths = append(paths, term.SSM)
		}
		var ssmIDs []string
		if len(paths) != 0 {
			pathOut, err := w.ssmAPI.GetParameters(ctx, &ssm.GetParametersInput{
				Names: paths,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to resolve ami ssm parameters: %w", err)
			}
			ssmIDs = lo.Map(pathOut.Parameters, func(param ssmtypes.Parameter, _ int) string { return lo.FromPtr(param.Value) })
			if len(ssmIDs) == 0 {
				continue
			}
		}
		filters := termFilters(term, ssmIDs)
		// an owner on its own would match every public image of that owner
		if !lo.SomeBy(filters, func(f ec2types.Filter) bool { return lo.FromPtr(f.Name) != ownerAliasFilter }) {
			return nil, ErrNoCriteria
		}
		pager := ec2.NewDescribeImagesPaginator(w.imageAPI, &ec2.DescribeImagesInput{
			Filters: filters,
		})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to describe images: %w", err)
			}
			amis = append(amis, lo.Map(page.Images, func(sdkAMI ec2types.Image, _ int) AMI {
				return AMI{sdkAMI}
			})...)
		}
	}
	return lo.UniqBy(amis, func(ami AMI) string { return lo.FromPtr(ami.ImageId) }), nil
}

// Newest returns the most recently created AMI matching architecture, or any architecture when it is empty
func Newest(amis []AMI, architecture string) (AMI, bool) {
	candidates := lo.Filter(amis, func(ami AMI, _ int) bool {
		return architecture == "" || string(ami.Architecture) == architecture
	})
	if len(candidates) == 0 {
		return AMI{}, false
	}
	// CreationDate is RFC3339, so it sorts lexically
	return lo.MaxBy(candidates, func(a, b AMI) bool {
		return lo.FromPtr(a.CreationDate) > lo.FromPtr(b.CreationDate)
	}), true
}

// termFilters converts a selector term into filters for use with the AWS SDK.
// Criteria within a term are AND'd.
func termFilters(term Selector, ssmIDs []string) []ec2types.Filter {
	filters := []ec2types.Filter{}
	imageIDs := slices.Clone(ssmIDs)
	if term.ID != "" {
		imageIDs = append(imageIDs, term.ID)
	}
	if len(imageIDs) > 0 {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("image-id"),
			Values: imageIDs,
		})
	}
	switch {
	case term.OwnerID != "":
		filters = append(filters, ec2types.Filter{
			Name:   aws.String(ownerAliasFilter),
			Values: []string{term.OwnerID},
		})
	case len(imageIDs) == 0:
		// name and tag lookups are limited to trusted owners to prevent WhoAMI style attacks
		filters = append(filters, ec2types.Filter{
			Name:   aws.String(ownerAliasFilter),
			Values: []string{"self", "amazon"},
		})
	}
	if term.Name != "" {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("name"),
			Values: []string{term.Name},
		})
	}
	if term.Architecture != "" {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("architecture"),
			Values: []string{term.Architecture},
		})
	}
	return append(filters, selectors.TagsToEC2Filters(term.Tags)...)
}
