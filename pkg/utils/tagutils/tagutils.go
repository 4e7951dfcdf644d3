package tagutils

import (
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/samber/lo"
)

const (
	NamespaceKey = "Namespace"
	NameKey      = "Name"
	CreatedByKey = "CreatedBy"
	ComponentKey = "Component"
	// UserDataHashKey records the digest of the user data an instance was launched with
	UserDataHashKey = "vllmhost/user-data-hash"

	CreatedBy = "vllmhost"
)

// Component values distinguish the resources of a single deployment
const (
	ComponentVPC           = "vpc"
	ComponentPublicSubnet  = "public-subnet"
	ComponentPrivateSubnet = "private-subnet"
	ComponentIGW           = "igw"
	ComponentPublicRT      = "public-rt"
	ComponentInstance      = "instance"
	ComponentRole          = "role"
	ComponentProfile       = "instance-profile"
)

// NamespacedTags returns a map of tag key/value pairs in standardized way.
// name is optional to get tags back for a selector
func NamespacedTags(namespace string, name string) map[string]string {
	tags := map[string]string{
		NamespaceKey: namespace,
		CreatedByKey: CreatedBy,
	}
	if name != "" {
		tags[NameKey] = name
	}
	return tags
}

// ComponentTags are NamespacedTags plus the Component tag identifying one resource of a deployment
func ComponentTags(namespace, name, component string) map[string]string {
	tags := NamespacedTags(namespace, name)
	tags[ComponentKey] = component
	return tags
}

// Owns reports whether tags mark a resource as created by this tool for the deployment namespace/name
func Owns(tags map[string]string, namespace, name string) bool {
	for k, v := range NamespacedTags(namespace, name) {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// MergeTags returns a new map with the union of all tags, later maps winning
func MergeTags(tags ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, t := range tags {
		maps.Copy(merged, t)
	}
	return merged
}

// EC2Tags converts a tag map to sorted EC2 tags so requests are deterministic
func EC2Tags(tags map[string]string) []ec2types.Tag {
	return lo.Map(slices.Sorted(maps.Keys(tags)), func(k string, _ int) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])}
	})
}

func IAMTags(tags map[string]string) []iamtypes.Tag {
	return lo.Map(slices.Sorted(maps.Keys(tags)), func(k string, _ int) iamtypes.Tag {
		return iamtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])}
	})
}

// EC2TagSpec wraps tags in the TagSpecification shape the Create* calls take
func EC2TagSpec(resourceType ec2types.ResourceType, tags map[string]string) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{ResourceType: resourceType, Tags: EC2Tags(tags)}}
}

func EC2TagsToMap(ec2Tags []ec2types.Tag) map[string]string {
	tags := map[string]string{}
	for _, t := range ec2Tags {
		tags[lo.FromPtr(t.Key)] = lo.FromPtr(t.Value)
	}
	return tags
}

func IAMTagsToMap(iamTags []iamtypes.Tag) map[string]string {
	tags := map[string]string{}
	for _, t := range iamTags {
		tags[lo.FromPtr(t.Key)] = lo.FromPtr(t.Value)
	}
	return tags
}
