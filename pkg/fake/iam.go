package fake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/samber/lo"
)

// IAM is an in-memory IAM covering roles, managed policy attachments, and instance profiles
type IAM struct {
	mu       sync.Mutex
	calls    *Calls
	account  string
	ids      idGen
	roles    map[string]*iamtypes.Role
	policies map[string][]string
	profiles map[string]*iamtypes.InstanceProfile
}

func NewIAM(account string, calls *Calls) *IAM {
	return &IAM{
		calls:    calls,
		account:  account,
		roles:    map[string]*iamtypes.Role{},
		policies: map[string][]string{},
		profiles: map[string]*iamtypes.InstanceProfile{},
	}
}

// Roles returns the names of every role
func (f *IAM) Roles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.roles))
}

// InstanceProfiles returns every instance profile
func (f *IAM) InstanceProfiles() []iamtypes.InstanceProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.Map(slices.Sorted(maps.Keys(f.profiles)), func(name string, _ int) iamtypes.InstanceProfile {
		return cloneProfile(*f.profiles[name])
	})
}

// AttachedPolicies returns the managed policy ARNs attached to a role
func (f *IAM) AttachedPolicies(roleName string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.policies[roleName])
}

// ProfileExists reports whether an instance profile with arn exists
func (f *IAM) ProfileExists(arn string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.SomeBy(lo.Values(f.profiles), func(p *iamtypes.InstanceProfile) bool { return lo.FromPtr(p.Arn) == arn })
}

func cloneProfile(profile iamtypes.InstanceProfile) iamtypes.InstanceProfile {
	profile.Roles = slices.Clone(profile.Roles)
	return profile
}

func noSuchEntity(kind, name string) error {
	return APIError("NoSuchEntity", "The %s with name %s cannot be found.", kind, name)
}

func (f *IAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	if err := f.calls.check("GetRole"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[lo.FromPtr(in.RoleName)]
	if !ok {
		return nil, noSuchEntity("role", lo.FromPtr(in.RoleName))
	}
	return &iam.GetRoleOutput{Role: lo.ToPtr(*role)}, nil
}

func (f *IAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	if err := f.calls.record("CreateRole"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := lo.FromPtr(in.RoleName)
	if _, ok := f.roles[name]; ok {
		return nil, APIError("EntityAlreadyExists", "Role with name %s already exists.", name)
	}
	role := &iamtypes.Role{
		RoleName:                 in.RoleName,
		RoleId:                   aws.String(f.ids.next("AROA")),
		Arn:                      aws.String(fmt.Sprintf("arn:aws:iam::%s:role/%s", f.account, name)),
		Path:                     aws.String("/"),
		CreateDate:               aws.Time(time.Now()),
		AssumeRolePolicyDocument: in.AssumeRolePolicyDocument,
		Description:              in.Description,
		Tags:                     slices.Clone(in.Tags),
	}
	f.roles[name] = role
	return &iam.CreateRoleOutput{Role: lo.ToPtr(*role)}, nil
}

func (f *IAM) DeleteRole(_ context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	if err := f.calls.record("DeleteRole"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := lo.FromPtr(in.RoleName)
	if _, ok := f.roles[name]; !ok {
		return nil, noSuchEntity("role", name)
	}
	if len(f.policies[name]) > 0 {
		return nil, APIError("DeleteConflict", "Cannot delete entity, must detach all policies first.")
	}
	if lo.SomeBy(lo.Values(f.profiles), func(p *iamtypes.InstanceProfile) bool { return hasRole(*p, name) }) {
		return nil, APIError("DeleteConflict", "Cannot delete entity, must remove roles from instance profile first.")
	}
	delete(f.roles, name)
	delete(f.policies, name)
	return &iam.DeleteRoleOutput{}, nil
}

func (f *IAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	if err := f.calls.record("AttachRolePolicy"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := lo.FromPtr(in.RoleName)
	if _, ok := f.roles[name]; !ok {
		return nil, noSuchEntity("role", name)
	}
	if !slices.Contains(f.policies[name], lo.FromPtr(in.PolicyArn)) {
		f.policies[name] = append(f.policies[name], lo.FromPtr(in.PolicyArn))
	}
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *IAM) DetachRolePolicy(_ context.Context, in *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	if err := f.calls.record("DetachRolePolicy"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name, arn := lo.FromPtr(in.RoleName), lo.FromPtr(in.PolicyArn)
	if !slices.Contains(f.policies[name], arn) {
		return nil, APIError("NoSuchEntity", "Policy %s was not found.", arn)
	}
	f.policies[name] = lo.Without(f.policies[name], arn)
	return &iam.DetachRolePolicyOutput{}, nil
}

// ListAttachedRolePolicies returns one policy per page to exercise pagination
func (f *IAM) ListAttachedRolePolicies(_ context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	if err := f.calls.check("ListAttachedRolePolicies"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := lo.FromPtr(in.RoleName)
	if _, ok := f.roles[name]; !ok {
		return nil, noSuchEntity("role", name)
	}
	arns := f.policies[name]
	start := 0
	if in.Marker != nil {
		var err error
		if start, err = strconv.Atoi(*in.Marker); err != nil {
			return nil, APIError("InvalidInput", "invalid marker %s", *in.Marker)
		}
	}
	out := &iam.ListAttachedRolePoliciesOutput{}
	if start < len(arns) {
		out.AttachedPolicies = []iamtypes.AttachedPolicy{{PolicyArn: aws.String(arns[start])}}
	}
	if start+1 < len(arns) {
		out.IsTruncated = true
		out.Marker = aws.String(strconv.Itoa(start + 1))
	}
	return out, nil
}

func hasRole(profile iamtypes.InstanceProfile, roleName string) bool {
	return lo.ContainsBy(profile.Roles, func(r iamtypes.Role) bool { return lo.FromPtr(r.RoleName) == roleName })
}

func (f *IAM) GetInstanceProfile(_ context.Context, in *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	if err := f.calls.check("GetInstanceProfile"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[lo.FromPtr(in.InstanceProfileName)]
	if !ok {
		return nil, noSuchEntity("instance profile", lo.FromPtr(in.InstanceProfileName))
	}
	return &iam.GetInstanceProfileOutput{InstanceProfile: lo.ToPtr(cloneProfile(*profile))}, nil
}

func (f *IAM) CreateInstanceProfile(_ context.Context, in *iam.CreateInstanceProfileInput, _ ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	if err := f.calls.record("CreateInstanceProfile"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := lo.FromPtr(in.InstanceProfileName)
	if _, ok := f.profiles[name]; ok {
		return nil, APIError("EntityAlreadyExists", "Instance Profile %s already exists.", name)
	}
	profile := &iamtypes.InstanceProfile{
		InstanceProfileName: in.InstanceProfileName,
		InstanceProfileId:   aws.String(f.ids.next("AIPA")),
		Arn:                 aws.String(fmt.Sprintf("arn:aws:iam::%s:instance-profile/%s", f.account, name)),
		Path:                aws.String("/"),
		CreateDate:          aws.Time(time.Now()),
		Tags:                slices.Clone(in.Tags),
	}
	f.profiles[name] = profile
	return &iam.CreateInstanceProfileOutput{InstanceProfile: lo.ToPtr(cloneProfile(*profile))}, nil
}

func (f *IAM) DeleteInstanceProfile(_ context.Context, in *iam.DeleteInstanceProfileInput, _ ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error) {
	if err := f.calls.record("DeleteInstanceProfile"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := lo.FromPtr(in.InstanceProfileName)
	profile, ok := f.profiles[name]
	if !ok {
		return nil, noSuchEntity("instance profile", name)
	}
	if len(profile.Roles) > 0 {
		return nil, APIError("DeleteConflict", "Cannot delete entity, must remove roles from instance profile first.")
	}
	delete(f.profiles, name)
	return &iam.DeleteInstanceProfileOutput{}, nil
}

func (f *IAM) AddRoleToInstanceProfile(_ context.Context, in *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	if err := f.calls.record("AddRoleToInstanceProfile"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[lo.FromPtr(in.InstanceProfileName)]
	if !ok {
		return nil, noSuchEntity("instance profile", lo.FromPtr(in.InstanceProfileName))
	}
	role, ok := f.roles[lo.FromPtr(in.RoleName)]
	if !ok {
		return nil, noSuchEntity("role", lo.FromPtr(in.RoleName))
	}
	if len(profile.Roles) > 0 {
		return nil, APIError("LimitExceeded", "Cannot exceed quota for InstanceSessionsPerInstanceProfile: 1")
	}
	profile.Roles = append(profile.Roles, *role)
	return &iam.AddRoleToInstanceProfileOutput{}, nil
}

func (f *IAM) RemoveRoleFromInstanceProfile(_ context.Context, in *iam.RemoveRoleFromInstanceProfileInput, _ ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error) {
	if err := f.calls.record("RemoveRoleFromInstanceProfile"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[lo.FromPtr(in.InstanceProfileName)]
	if !ok {
		return nil, noSuchEntity("instance profile", lo.FromPtr(in.InstanceProfileName))
	}
	roleName := lo.FromPtr(in.RoleName)
	if !hasRole(*profile, roleName) {
		return nil, noSuchEntity("role", roleName)
	}
	profile.Roles = lo.Reject(profile.Roles, func(r iamtypes.Role, _ int) bool { return lo.FromPtr(r.RoleName) == roleName })
	return &iam.RemoveRoleFromInstanceProfileOutput{}, nil
}
