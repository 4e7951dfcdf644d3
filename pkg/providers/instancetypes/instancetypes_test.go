package instancetypes_test

import (
	"context"
	"math"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/fake"
	"github.com/bwagner5/vllmhost/pkg/providers/instancetypes"
)

func TestParseSelectors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		input  string
		verify func(t *testing.T, selectors []instancetypes.Selector)
		err    bool
	}{
		{
			name:  "default",
			input: instancetypes.DefaultSelector,
			verify: func(t *testing.T, selectors []instancetypes.Selector) {
				require.Len(t, selectors, 1)
				assert.Equal(t, int32(1), selectors[0].GpusRange.LowerBound)
				assert.Equal(t, int32(math.MaxInt32), selectors[0].GpusRange.UpperBound)
			},
		},
		{
			name:  "every key",
			input: "vcpus:4-8,memory:16GiB-,arch:x86_64,gpus:1,gpu-manufacturer:NVIDIA,gpu-model:A10G",
			verify: func(t *testing.T, selectors []instancetypes.Selector) {
				require.Len(t, selectors, 1)
				s := selectors[0]
				assert.Equal(t, int32(4), s.VCpusRange.LowerBound)
				assert.Equal(t, int32(8), s.VCpusRange.UpperBound)
				assert.Equal(t, uint64(16384), s.MemoryRange.LowerBound.Quantity)
				assert.Equal(t, "x86_64", string(lo.FromPtr(s.CPUArchitecture)))
				assert.Equal(t, int32(1), s.GpusRange.LowerBound)
				assert.Equal(t, int32(1), s.GpusRange.UpperBound)
				assert.Equal(t, "NVIDIA", lo.FromPtr(s.GPUManufacturer))
				assert.Equal(t, "A10G", lo.FromPtr(s.GPUModel))
			},
		},
		{
			name:  "terms are OR'd",
			input: "gpu-model:A10G;gpu-model:A100",
			verify: func(t *testing.T, selectors []instancetypes.Selector) {
				assert.Len(t, selectors, 2)
			},
		},
		{name: "tags", input: "tag:Name=gpu", err: true},
		{name: "unknown key", input: "color:green", err: true},
		{name: "inverted range", input: "gpus:8-1", err: true},
		{name: "not a number", input: "vcpus:many", err: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			selectors, err := instancetypes.ParseSelectors(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.verify(t, selectors)
		})
	}
}

func TestValidate(t *testing.T) {
	w := instancetypes.NewWatcherFromFilterer(fake.NewInstanceTypes(fake.NewCalls()))
	gpu, err := instancetypes.ParseSelectors(instancetypes.DefaultSelector)
	require.NoError(t, err)

	for _, tc := range []struct {
		name         string
		instanceType string
		selector     string
		wantGPUs     int32
		wantArch     []string
		err          bool
	}{
		{name: "gpu instance", instanceType: "g5.xlarge", wantGPUs: 1, wantArch: []string{"x86_64"}},
		{name: "arm gpu instance", instanceType: "g5g.xlarge", wantGPUs: 1, wantArch: []string{"arm64"}},
		{name: "multi gpu instance", instanceType: "p4d.24xlarge", selector: "gpu-model:A100;gpu-model:H100", wantGPUs: 8, wantArch: []string{"x86_64"}},
		{name: "no gpus", instanceType: "m5.large", err: true},
		{name: "wrong gpu model", instanceType: "g5.xlarge", selector: "gpu-model:A100", err: true},
		{name: "unknown type", instanceType: "g99.nano", err: true},
		{name: "allow list is exact", instanceType: "g5", err: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			selectors := gpu
			if tc.selector != "" {
				selectors, err = instancetypes.ParseSelectors(tc.selector)
				require.NoError(t, err)
			}
			it, err := w.Validate(context.Background(), tc.instanceType, selectors)
			if tc.err {
				assert.ErrorIs(t, err, instancetypes.ErrUnsupportedInstanceType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantGPUs, it.GPUs())
			assert.Equal(t, tc.wantArch, it.Architectures())
		})
	}
}
