package fake

import (
	"context"
	"strings"

	"github.com/aws/amazon-ec2-instance-selector/v3/pkg/instancetypes"
	"github.com/aws/amazon-ec2-instance-selector/v3/pkg/selector"
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

// InstanceTypes filters a fixed catalog the way ec2-instance-selector does for the filters a host uses
type InstanceTypes struct {
	calls   *Calls
	Catalog []*instancetypes.Details
}

func NewInstanceTypes(calls *Calls) *InstanceTypes {
	return &InstanceTypes{
		calls: calls,
		Catalog: []*instancetypes.Details{
			instanceType("g5.xlarge", 4, 16384, ec2types.ArchitectureTypeX8664, 1, "NVIDIA", "A10G"),
			instanceType("g5g.xlarge", 4, 8192, ec2types.ArchitectureTypeArm64, 1, "NVIDIA", "T4g"),
			instanceType("p4d.24xlarge", 96, 1179648, ec2types.ArchitectureTypeX8664, 8, "NVIDIA", "A100"),
			instanceType("m5.large", 2, 8192, ec2types.ArchitectureTypeX8664, 0, "", ""),
		},
	}
}

func instanceType(name string, vcpus int32, memoryMiB int64, arch ec2types.ArchitectureType, gpus int32, manufacturer, model string) *instancetypes.Details {
	info := ec2types.InstanceTypeInfo{
		InstanceType:  ec2types.InstanceType(name),
		VCpuInfo:      &ec2types.VCpuInfo{DefaultVCpus: aws.Int32(vcpus)},
		MemoryInfo:    &ec2types.MemoryInfo{SizeInMiB: aws.Int64(memoryMiB)},
		ProcessorInfo: &ec2types.ProcessorInfo{SupportedArchitectures: []ec2types.ArchitectureType{arch}},
	}
	if gpus > 0 {
		info.GpuInfo = &ec2types.GpuInfo{Gpus: []ec2types.GpuDeviceInfo{{
			Count:        aws.Int32(gpus),
			Manufacturer: aws.String(manufacturer),
			Name:         aws.String(model),
		}}}
	}
	return &instancetypes.Details{InstanceTypeInfo: info}
}

func (f *InstanceTypes) FilterVerbose(_ context.Context, filters selector.Filters) ([]*instancetypes.Details, error) {
	if err := f.calls.check("FilterVerbose"); err != nil {
		return nil, err
	}
	return lo.Filter(f.Catalog, func(details *instancetypes.Details, _ int) bool {
		return matchesFilters(details, filters)
	}), nil
}

func matchesFilters(details *instancetypes.Details, filters selector.Filters) bool {
	name := string(details.InstanceType)
	if filters.AllowList != nil && !filters.AllowList.MatchString(name) {
		return false
	}
	var gpus int32
	var manufacturers, models []string
	if details.GpuInfo != nil {
		for _, gpu := range details.GpuInfo.Gpus {
			gpus += lo.FromPtr(gpu.Count)
			manufacturers = append(manufacturers, strings.ToLower(lo.FromPtr(gpu.Manufacturer)))
			models = append(models, strings.ToLower(lo.FromPtr(gpu.Name)))
		}
	}
	if r := filters.GpusRange; r != nil && (gpus < r.LowerBound || gpus > r.UpperBound) {
		return false
	}
	if r := filters.VCpusRange; r != nil {
		vcpus := lo.FromPtr(details.VCpuInfo.DefaultVCpus)
		if vcpus < r.LowerBound || vcpus > r.UpperBound {
			return false
		}
	}
	if r := filters.MemoryRange; r != nil {
		memory := uint64(lo.FromPtr(details.MemoryInfo.SizeInMiB))
		if memory < r.LowerBound.Quantity || memory > r.UpperBound.Quantity {
			return false
		}
	}
	if filters.CPUArchitecture != nil && !lo.Contains(details.ProcessorInfo.SupportedArchitectures, *filters.CPUArchitecture) {
		return false
	}
	if filters.GPUManufacturer != nil && !lo.Contains(manufacturers, strings.ToLower(*filters.GPUManufacturer)) {
		return false
	}
	if filters.GPUModel != nil && !lo.Contains(models, strings.ToLower(*filters.GPUModel)) {
		return false
	}
	return true
}
