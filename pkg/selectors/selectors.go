package selectors

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Selector is one parsed selector term. Provider packages translate it into their own typed selectors.
type Selector struct {
	// Tags are tag key/value pairs. An empty value matches any resource carrying the key.
	Tags map[string]string
	// KeyVals are the remaining key:value criteria with lower-cased keys, e.g. id, alias, gpus
	KeyVals map[string]string
}

// ParseSelectorsTokens parses a string of selectors into generic Selector terms.
// Terms are separated by a semicolon and are OR'd together.
// Within a term, criteria are separated by a comma and are AND'd together.
//
// Example:
//
//	"tag:Name=fancyOS,tag:Environment=dev;id:ami-0123456"
//
// parses into two terms:
//  1. resources tagged both Name=fancyOS and Environment=dev
//  2. the resource with ID ami-0123456
//
// Values may contain ":" (e.g. "ssm:/aws/service/ami"), only the first one separates key and value.
func ParseSelectorsTokens(selectorStr string) ([]Selector, error) {
	var parsed []Selector
	for _, term := range strings.Split(strings.TrimSpace(selectorStr), ";") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		selector := Selector{
			Tags:    map[string]string{},
			KeyVals: map[string]string{},
		}
		for _, criterion := range strings.Split(term, ",") {
			criterion = strings.TrimSpace(criterion)
			if criterion == "" {
				continue
			}
			key, value, found := strings.Cut(criterion, ":")
			if !found || key == "" {
				return nil, fmt.Errorf("invalid selector %q, expected key:value", criterion)
			}
			key = strings.ToLower(strings.TrimSpace(key))
			if key == "tag" {
				tagKey, tagValue, _ := strings.Cut(value, "=")
				if tagKey == "" {
					return nil, fmt.Errorf("invalid tag selector %q, tag key is empty", criterion)
				}
				selector.Tags[tagKey] = tagValue
				continue
			}
			if _, dup := selector.KeyVals[key]; dup {
				return nil, fmt.Errorf("invalid selector term %q, %q given more than once", term, key)
			}
			selector.KeyVals[key] = strings.TrimSpace(value)
		}
		parsed = append(parsed, selector)
	}
	return parsed, nil
}

// TagsToEC2Filters converts tags into EC2 describe filters, sorted by tag key.
// A tag with an empty value becomes a tag-key filter.
func TagsToEC2Filters(tags map[string]string) []ec2types.Filter {
	var filters []ec2types.Filter
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		if tags[k] == "" {
			filters = append(filters, ec2types.Filter{Name: aws.String("tag-key"), Values: []string{k}})
			continue
		}
		filters = append(filters, ec2types.Filter{Name: aws.String(fmt.Sprintf("tag:%s", k)), Values: []string{tags[k]}})
	}
	return filters
}
