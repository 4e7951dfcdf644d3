package pretty_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/pretty"
)

type row struct {
	ID     string `json:"id" table:"ID"`
	Count  int    `json:"count" table:"Count"`
	Region string `json:"region" table:"Region,wide"`
	Hidden string `json:"hidden"`
}

func TestTable(t *testing.T) {
	data := []row{{ID: "vpc-1", Count: 2, Region: "us-west-2", Hidden: "secret"}}
	for _, tc := range []struct {
		name    string
		wide    bool
		want    []string
		notWant []string
	}{
		{name: "short", want: []string{"ID", "COUNT", "vpc-1", "2"}, notWant: []string{"REGION", "us-west-2", "secret"}},
		{name: "wide", wide: true, want: []string{"ID", "COUNT", "REGION", "vpc-1", "2", "us-west-2"}, notWant: []string{"secret"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := pretty.Table(data, tc.wide)
			for _, s := range tc.want {
				assert.Contains(t, out, s)
			}
			for _, s := range tc.notWant {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestRender(t *testing.T) {
	data := []row{{ID: "vpc-1", Count: 2}}

	out, err := pretty.Render(data, pretty.FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "vpc-1"`)

	out, err = pretty.Render(data, pretty.FormatYAML)
	require.NoError(t, err)
	assert.Contains(t, out, "count: 2")
	assert.True(t, strings.HasPrefix(out, "- "))

	_, err = pretty.Render(data, "xml")
	assert.Error(t, err)
}

func TestEncodeJSONError(t *testing.T) {
	_, err := pretty.EncodeJSON(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
	_, err = pretty.EncodeYAML(func() {})
	assert.Error(t, err)
}
