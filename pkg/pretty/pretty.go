package pretty

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v2"
)

// EncodeJSON takes any struct data and renders it in an indented JSON format
func EncodeJSON(data any) (string, error) {
	var buffer bytes.Buffer
	enc := json.NewEncoder(&buffer)
	enc.SetIndent("", "    ")
	if err := enc.Encode(data); err != nil {
		return "", fmt.Errorf("unable to render json: %w", err)
	}
	return buffer.String(), nil
}

// EncodeYAML takes any struct data and renders it in YAML, using the same field names as EncodeJSON
func EncodeYAML(data any) (string, error) {
	jsonStr, err := EncodeJSON(data)
	if err != nil {
		return "", err
	}
	// yaml.Unmarshal keeps integer types where json.Unmarshal would turn every number into a float64
	var jsonObj any
	if err := yaml.Unmarshal([]byte(jsonStr), &jsonObj); err != nil {
		return "", fmt.Errorf("unable to render yaml: %w", err)
	}
	out, err := yaml.Marshal(jsonObj)
	if err != nil {
		return "", fmt.Errorf("unable to render yaml: %w", err)
	}
	return string(out), nil
}

// Table takes a slice of structs and renders it in a table format
// The struct fields must have a `table` tag with the column name
// An optional `wide` tag can be added to the `table` tag to only show the column in wide mode
// Example:
//
//	type MyStruct struct {
//	    Field1 string `table:"Field 1"`
//	    Field2 string `table:"Field 2,wide"`
//	}
//
// pretty.Table([]MyStruct{{"test1", "test2"}}, false)
//
// Output:
//
// FIELD 1
// test1
func Table[T any](data []T, wide bool) string {
	var headers []string
	var rows [][]string
	for _, dataRow := range data {
		var row []string
		// clear headers each time so we only keep one set
		headers = []string{}
		reflectStruct := reflect.Indirect(reflect.ValueOf(dataRow))
		for i := 0; i < reflectStruct.NumField(); i++ {
			typeField := reflectStruct.Type().Field(i)
			tag := typeField.Tag.Get("table")
			if tag == "" {
				continue
			}
			subtags := strings.Split(tag, ",")
			if len(subtags) > 1 && subtags[1] == "wide" && !wide {
				continue
			}
			headers = append(headers, subtags[0])
			row = append(row, fmt.Sprint(reflectStruct.Field(i).Interface()))
		}
		rows = append(rows, row)
	}
	out := bytes.Buffer{}
	table := tablewriter.NewWriter(&out)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(rows)
	table.Render()
	return out.String()
}

// Render renders data in one of the output formats. Table formats expect a slice of structs with `table` tags.
func Render[T any](data []T, format string) (string, error) {
	switch format {
	case FormatJSON:
		return EncodeJSON(data)
	case FormatYAML:
		return EncodeYAML(data)
	case FormatTable:
		return Table(data, false), nil
	case FormatWide:
		return Table(data, true), nil
	default:
		return "", fmt.Errorf("unknown output format %q, must be one of %v", format, Formats)
	}
}

const (
	FormatTable = "short"
	FormatWide  = "wide"
	FormatYAML  = "yaml"
	FormatJSON  = "json"
)

var Formats = []string{FormatTable, FormatWide, FormatYAML, FormatJSON}
