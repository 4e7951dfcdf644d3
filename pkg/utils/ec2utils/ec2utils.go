package ec2utils

import (
	"errors"
	"slices"
	"strings"

	"github.com/aws/smithy-go"
)

var notFoundCodes = []string{
	"InvalidVpcID.NotFound",
	"InvalidSubnetID.NotFound",
	"InvalidInternetGatewayID.NotFound",
	"InvalidRouteTableID.NotFound",
	"InvalidAssociationID.NotFound",
	"InvalidInstanceID.NotFound",
	"InvalidRoute.NotFound",
	"Gateway.NotAttached",
	"NoSuchEntity",
	"ParameterNotFound",
	"ResourceNotFoundException",
}

var alreadyExistsCodes = []string{
	"EntityAlreadyExists",
	"Resource.AlreadyAssociated",
	"RouteAlreadyExists",
}

func errorCode(err error) string {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return ""
	}
	return ae.ErrorCode()
}

// IsNotFoundErr reports whether err is an AWS API error saying the resource is already gone
func IsNotFoundErr(err error) bool {
	return slices.Contains(notFoundCodes, errorCode(err))
}

func IsAlreadyExistsErr(err error) bool {
	return slices.Contains(alreadyExistsCodes, errorCode(err))
}

// IsDependencyViolationErr reports whether a delete failed because a dependent resource still exists
func IsDependencyViolationErr(err error) bool {
	return slices.Contains([]string{"DependencyViolation", "DeleteConflict"}, errorCode(err))
}

// IsIAMPropagationErr reports whether RunInstances rejected an instance profile that IAM has not propagated yet
func IsIAMPropagationErr(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.ErrorCode() == "InvalidParameterValue" &&
		strings.Contains(strings.ToLower(ae.ErrorMessage()), "iaminstanceprofile")
}
