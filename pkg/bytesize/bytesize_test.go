package bytesize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/bytesize"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		val            string
		expectedBytes  int64
		expectedString string
		expectedGiB    int32
		expectErr      bool
	}{
		{val: "1", expectedBytes: 1, expectedString: "1 B", expectedGiB: 1},
		{val: "1K", expectedBytes: 1000, expectedString: "1 KB", expectedGiB: 1},
		{val: "1Mi", expectedBytes: 1 << 20, expectedString: "1 MiB", expectedGiB: 1},
		{val: "120Gi", expectedBytes: 120 << 30, expectedString: "120 GiB", expectedGiB: 120},
		{val: "120GiB", expectedBytes: 120 << 30, expectedString: "120 GiB", expectedGiB: 120},
		{val: "100G", expectedBytes: 100_000_000_000, expectedString: "93.13225746154785 GiB", expectedGiB: 94},
		{val: "1Ti", expectedBytes: 1 << 40, expectedString: "1 TiB", expectedGiB: 1024},
		{val: " 2 gi ", expectedBytes: 2 << 30, expectedString: "2 GiB", expectedGiB: 2},
		{val: "abc", expectErr: true},
		{val: "12 parsecs", expectErr: true},
		{val: "", expectErr: true},
	} {
		t.Run(tc.val, func(t *testing.T) {
			b, err := bytesize.Parse(tc.val)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedBytes, int64(b))
			assert.Equal(t, tc.expectedString, b.String())
			assert.Equal(t, tc.expectedGiB, b.VolumeGiB())
		})
	}
}

func TestTextRoundTrip(t *testing.T) {
	var b bytesize.ByteSize
	require.NoError(t, b.UnmarshalText([]byte("120Gi")))
	text, err := b.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "120GiB", string(text))
	require.Error(t, b.UnmarshalText([]byte("lots")))
}
