package instancetypes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/amazon-ec2-instance-selector/v3/pkg/bytequantity"
	"github.com/aws/amazon-ec2-instance-selector/v3/pkg/instancetypes"
	"github.com/aws/amazon-ec2-instance-selector/v3/pkg/selector"
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/selectors"
)

// DefaultSelector requires at least one GPU
const DefaultSelector = "gpus:1-"

var ErrUnsupportedInstanceType = errors.New("instance type does not satisfy the requirements")

type Selector struct {
	selector.Filters
}

type InstanceType struct {
	instancetypes.Details
}

// GPUs returns the total number of GPUs on the instance type
func (it InstanceType) GPUs() int32 {
	if it.GpuInfo == nil {
		return 0
	}
	return lo.SumBy(it.GpuInfo.Gpus, func(gpu ec2types.GpuDeviceInfo) int32 { return lo.FromPtr(gpu.Count) })
}

// Architectures returns the CPU architectures the instance type supports
func (it InstanceType) Architectures() []string {
	if it.ProcessorInfo == nil {
		return nil
	}
	return lo.Map(it.ProcessorInfo.SupportedArchitectures, func(a ec2types.ArchitectureType, _ int) string { return string(a) })
}

// Filterer is satisfied by the ec2-instance-selector Selector
type Filterer interface {
	FilterVerbose(context.Context, selector.Filters) ([]*instancetypes.Details, error)
}

type Watcher struct {
	instanceSelector Filterer
}

func NewWatcher(ctx context.Context, awsCfg aws.Config) (Watcher, error) {
	instanceSelector, err := selector.New(ctx, awsCfg)
	if err != nil {
		return Watcher{}, fmt.Errorf("failed to create instance selector: %w", err)
	}
	return NewWatcherFromFilterer(instanceSelector), nil
}

func NewWatcherFromFilterer(filterer Filterer) Watcher {
	return Watcher{
		instanceSelector: filterer,
	}
}

func (w Watcher) Resolve(ctx context.Context, selectors []Selector) ([]InstanceType, error) {
	var allInstanceTypes []InstanceType
	for _, s := range selectors {
		instanceTypes, err := w.instanceSelector.FilterVerbose(ctx, s.Filters)
		if err != nil {
			return nil, fmt.Errorf("failed to filter instance types: %w", err)
		}
		allInstanceTypes = append(allInstanceTypes, lo.Map(instanceTypes, func(instanceType *instancetypes.Details, _ int) InstanceType { return InstanceType{*instanceType} })...)
	}
	return lo.UniqBy(allInstanceTypes, func(instanceType InstanceType) string { return string(instanceType.InstanceType) }), nil
}

// Validate checks that instanceType satisfies at least one of the selectors and returns its details
func (w Watcher) Validate(ctx context.Context, instanceType string, selectors []Selector) (*InstanceType, error) {
	if len(selectors) == 0 {
		selectors = []Selector{{}}
	}
	pinned := lo.Map(selectors, func(s Selector, _ int) Selector {
		s.AllowList = regexp.MustCompile("^" + regexp.QuoteMeta(instanceType) + "$")
		return s
	})
	resolved, err := w.Resolve(ctx, pinned)
	if err != nil {
		return nil, err
	}
	match, ok := lo.Find(resolved, func(it InstanceType) bool { return string(it.InstanceType) == instanceType })
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInstanceType, instanceType)
	}
	return &match, nil
}

// ParseSelectors parses a string of selectors into a slice of Selector structs
func ParseSelectors(selectorStr string) ([]Selector, error) {
	selectors, err := selectors.ParseSelectorsTokens(selectorStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse instance type selectors: %w", err)
	}
	instanceTypeSelectors := make([]Selector, 0, len(selectors))
	for _, s := range selectors {
		if len(s.Tags) > 0 {
			return nil, fmt.Errorf("instance types can not be selected by tag")
		}
		instanceTypeSelector := Selector{}
		for k, v := range s.KeyVals {
			switch k {
			case "vcpus":
				lowerBound, upperBound, err := parseIntRange(v)
				if err != nil {
					return nil, fmt.Errorf("invalid vcpus selector, %w", err)
				}
				instanceTypeSelector.VCpusRange = int32Range(lowerBound, upperBound)
			case "memory":
				memoryRange, err := parseByteQuantityRange(v)
				if err != nil {
					return nil, fmt.Errorf("invalid memory selector, %w", err)
				}
				instanceTypeSelector.MemoryRange = memoryRange
			case "arch":
				instanceTypeSelector.CPUArchitecture = lo.ToPtr(ec2types.ArchitectureType(v))
			case "gpus":
				lowerBound, upperBound, err := parseIntRange(v)
				if err != nil {
					return nil, fmt.Errorf("invalid gpus selector, %w", err)
				}
				instanceTypeSelector.GpusRange = int32Range(lowerBound, upperBound)
			case "gpu-manufacturer":
				instanceTypeSelector.GPUManufacturer = lo.ToPtr(v)
			case "gpu-model":
				instanceTypeSelector.GPUModel = lo.ToPtr(v)
			default:
				return nil, fmt.Errorf("invalid instance type selector key: %s", k)
			}
		}
		instanceTypeSelectors = append(instanceTypeSelectors, instanceTypeSelector)
	}
	return instanceTypeSelectors, nil
}

func int32Range(lowerBound, upperBound int) *selector.Int32RangeFilter {
	return &selector.Int32RangeFilter{
		LowerBound: int32(lowerBound),
		UpperBound: lo.Ternary(upperBound == -1, math.MaxInt32, int32(upperBound)),
	}
}

func parseByteQuantityRange(rangeStr string) (*selector.ByteQuantityRangeFilter, error) {
	lowerBoundStr, upperBoundStr := parseStringRange(rangeStr)
	var err error
	lowerBound := bytequantity.ByteQuantity{Quantity: 0}
	if lowerBoundStr != "" {
		if lowerBound, err = bytequantity.ParseToByteQuantity(lowerBoundStr); err != nil {
			return nil, fmt.Errorf("lower bound error, %w", err)
		}
	}
	upperBound := bytequantity.ByteQuantity{Quantity: math.MaxUint64}
	if upperBoundStr != "" {
		if upperBound, err = bytequantity.ParseToByteQuantity(upperBoundStr); err != nil {
			return nil, fmt.Errorf("upper bound error, %w", err)
		}
	}
	return &selector.ByteQuantityRangeFilter{LowerBound: lowerBound, UpperBound: upperBound}, nil
}

// parseStringRange splits a range into its bounds. Ranges take the forms
//
//	"1-9"
//	"1GiB - 10 GiB"
//	"1-"  upper bound is empty (unbounded)
//	"-10" lower bound is empty (zero value)
//	"1"   lower and upper bound are both 1
func parseStringRange(rangeStr string) (string, string) {
	rangeStr = strings.TrimSpace(rangeStr)
	lower, upper, found := strings.Cut(rangeStr, "-")
	if !found {
		return rangeStr, rangeStr
	}
	return strings.TrimSpace(lower), strings.TrimSpace(upper)
}

// parseIntRange parses a range into ints. An unbounded upper bound is returned as -1.
func parseIntRange(rangeStr string) (int, int, error) {
	lowerBoundStr, upperBoundStr := parseStringRange(rangeStr)
	var err error
	lowerBound := 0
	if lowerBoundStr != "" {
		if lowerBound, err = strconv.Atoi(lowerBoundStr); err != nil {
			return 0, 0, fmt.Errorf("invalid int range, %w", err)
		}
	}
	upperBound := -1
	if upperBoundStr != "" {
		if upperBound, err = strconv.Atoi(upperBoundStr); err != nil {
			return 0, 0, fmt.Errorf("invalid int range, %w", err)
		}
	}
	if upperBound != -1 && upperBound < lowerBound {
		return 0, 0, fmt.Errorf("invalid int range, lower bound should be less than or equal to upper bound")
	}
	return lowerBound, upperBound, nil
}
