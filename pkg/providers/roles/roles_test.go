package roles_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwagner5/vllmhost/pkg/fake"
	"github.com/bwagner5/vllmhost/pkg/providers/roles"
	"github.com/bwagner5/vllmhost/pkg/utils/tagutils"
)

func TestNames(t *testing.T) {
	for _, tc := range []struct {
		name        string
		namespace   string
		host        string
		wantRole    string
		wantProfile string
	}{
		{name: "plain", namespace: "default", host: "llm", wantRole: "default-llm-ee52c4df-ssm-role", wantProfile: "default-llm-ee52c4df-instance-profile"},
		{name: "slugged", namespace: "Team A", host: "Llama 3", wantRole: "team-a-llama-3-fc5518ee-ssm-role", wantProfile: "team-a-llama-3-fc5518ee-instance-profile"},
		{name: "hyphen in namespace", namespace: "team-a", host: "llm", wantRole: "team-a-llm-e0fc495d-ssm-role", wantProfile: "team-a-llm-e0fc495d-instance-profile"},
		{name: "hyphen in name", namespace: "team", host: "a-llm", wantRole: "team-a-llm-7c8eecd8-ssm-role", wantProfile: "team-a-llm-7c8eecd8-instance-profile"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			role, profile := roles.Names(tc.namespace, tc.host)
			assert.Equal(t, tc.wantRole, role)
			assert.Equal(t, tc.wantProfile, profile)
		})
	}
	t.Run("long names fit the IAM limit", func(t *testing.T) {
		role, profile := roles.Names(strings.Repeat("namespace", 10), strings.Repeat("host", 10))
		assert.LessOrEqual(t, len(role), 64)
		assert.LessOrEqual(t, len(profile), 64)
		assert.NotContains(t, profile, "--")
	})
	t.Run("long names with a shared prefix stay distinct", func(t *testing.T) {
		prefix := strings.Repeat("namespace", 10)
		roleA, profileA := roles.Names(prefix, "a")
		roleB, profileB := roles.Names(prefix, "b")
		assert.NotEqual(t, roleA, roleB)
		assert.NotEqual(t, profileA, profileB)
	})
}

func TestTrustPolicy(t *testing.T) {
	doc, err := roles.TrustPolicy()
	require.NoError(t, err)
	var policy struct {
		Statement []struct {
			Effect    string
			Action    string
			Principal map[string]string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(doc), &policy))
	require.Len(t, policy.Statement, 1)
	assert.Equal(t, "Allow", policy.Statement[0].Effect)
	assert.Equal(t, "sts:AssumeRole", policy.Statement[0].Action)
	assert.Equal(t, map[string]string{"Service": "ec2.amazonaws.com"}, policy.Statement[0].Principal)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	iamAPI := fake.NewIAM(fake.DefaultAccount, fake.NewCalls())
	w := roles.NewWatcher(iamAPI)
	roleName, profileName := roles.Names("default", "llm")

	role, err := w.GetRole(ctx, roleName)
	require.NoError(t, err)
	assert.Nil(t, role)

	role, err = w.CreateRole(ctx, roleName, tagutils.ComponentTags("default", "llm", tagutils.ComponentRole))
	require.NoError(t, err)
	require.NoError(t, w.AttachPolicy(ctx, role, roles.SSMManagedInstanceCorePolicyARN))
	assert.True(t, role.HasPolicy(roles.SSMManagedInstanceCorePolicyARN))

	profile, err := w.CreateInstanceProfile(ctx, profileName, tagutils.ComponentTags("default", "llm", tagutils.ComponentProfile))
	require.NoError(t, err)
	require.NoError(t, w.AddRole(ctx, profile, *role))
	assert.True(t, profile.HasRole(roleName))

	role, err = w.GetRole(ctx, roleName)
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.Equal(t, []string{roles.SSMManagedInstanceCorePolicyARN}, role.AttachedPolicyARNs)

	profile, err = w.GetInstanceProfile(ctx, profileName)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.True(t, profile.HasRole(roleName))

	// the role is still in the profile
	assert.ErrorIs(t, w.DeleteRole(ctx, *role), roles.ErrRoleDelete)

	require.NoError(t, w.DeleteInstanceProfile(ctx, *profile))
	require.NoError(t, w.DeleteRole(ctx, *role))
	assert.Empty(t, iamAPI.Roles())
	assert.Empty(t, iamAPI.InstanceProfiles())

	// deleting again is not an error
	require.NoError(t, w.DeleteInstanceProfile(ctx, *profile))
	require.NoError(t, w.DeleteRole(ctx, *role))
	assert.False(t, iamAPI.ProfileExists(lo.FromPtr(profile.Arn)))
}

func TestCreateReusesExisting(t *testing.T) {
	ctx := context.Background()
	calls := fake.NewCalls()
	iamAPI := fake.NewIAM(fake.DefaultAccount, calls)
	w := roles.NewWatcher(iamAPI)
	roleName, profileName := roles.Names("default", "llm")
	roleTags := tagutils.ComponentTags("default", "llm", tagutils.ComponentRole)
	profileTags := tagutils.ComponentTags("default", "llm", tagutils.ComponentProfile)

	first, err := w.CreateRole(ctx, roleName, roleTags)
	require.NoError(t, err)
	require.NoError(t, w.AttachPolicy(ctx, first, roles.SSMManagedInstanceCorePolicyARN))
	firstProfile, err := w.CreateInstanceProfile(ctx, profileName, profileTags)
	require.NoError(t, err)

	t.Run("role", func(t *testing.T) {
		again, err := w.CreateRole(ctx, roleName, roleTags)
		require.NoError(t, err)
		assert.Equal(t, lo.FromPtr(first.Arn), lo.FromPtr(again.Arn))
		assert.True(t, again.HasPolicy(roles.SSMManagedInstanceCorePolicyARN))
		assert.True(t, again.OwnedBy("default", "llm"))
	})

	t.Run("instance profile", func(t *testing.T) {
		again, err := w.CreateInstanceProfile(ctx, profileName, profileTags)
		require.NoError(t, err)
		assert.Equal(t, lo.FromPtr(firstProfile.Arn), lo.FromPtr(again.Arn))
		assert.True(t, again.OwnedBy("default", "llm"))
	})

	t.Run("other errors are not swallowed", func(t *testing.T) {
		calls.Inject("CreateRole", fake.APIError("AccessDenied", "not authorized"), 1)
		_, err := w.CreateRole(ctx, "another-role", roleTags)
		assert.ErrorIs(t, err, roles.ErrRoleCreate)
	})

	assert.Len(t, iamAPI.Roles(), 1)
	assert.Len(t, iamAPI.InstanceProfiles(), 1)
}

func TestOwnedBy(t *testing.T) {
	for _, tc := range []struct {
		name      string
		tags      map[string]string
		wantOwned bool
	}{
		{name: "tagged for the deployment", tags: tagutils.ComponentTags("default", "llm", tagutils.ComponentRole), wantOwned: true},
		{name: "other deployment", tags: tagutils.ComponentTags("default", "other", tagutils.ComponentRole)},
		{name: "other namespace", tags: tagutils.ComponentTags("team", "llm", tagutils.ComponentRole)},
		{name: "not created by vllmhost", tags: map[string]string{tagutils.NamespaceKey: "default", tagutils.NameKey: "llm"}},
		{name: "untagged"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			role := roles.Role{Role: iamtypes.Role{Tags: tagutils.IAMTags(tc.tags)}}
			profile := roles.InstanceProfile{InstanceProfile: iamtypes.InstanceProfile{Tags: tagutils.IAMTags(tc.tags)}}
			assert.Equal(t, tc.wantOwned, role.OwnedBy("default", "llm"))
			assert.Equal(t, tc.wantOwned, profile.OwnedBy("default", "llm"))
		})
	}
}
