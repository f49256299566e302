package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestACL_IsToolAllowed_NilMeansAll(t *testing.T) {
	t.Parallel()
	var acl *ACL
	assert.True(t, acl.IsToolAllowed("anything"))

	acl = &ACL{}
	assert.True(t, acl.IsToolAllowed("anything"))
}

func TestACL_IsToolAllowed_ExplicitList(t *testing.T) {
	t.Parallel()
	acl := &ACL{AllowedTools: []string{"search", "chart"}}

	assert.True(t, acl.IsToolAllowed("search"))
	assert.False(t, acl.IsToolAllowed("delete"))
}

func TestACL_FilterToolNames(t *testing.T) {
	t.Parallel()
	acl := &ACL{AllowedTools: []string{"search"}}
	filtered := acl.FilterToolNames([]string{"search", "chart", "delete"})
	assert.Equal(t, []string{"search"}, filtered)
}

func TestACL_Authorize_ForbiddenTool(t *testing.T) {
	t.Parallel()
	acl := &ACL{AllowedTools: []string{"search"}}
	err := acl.Authorize("delete", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolNotAllowed)
}

func TestArgumentPolicy_Validate_StringLength(t *testing.T) {
	t.Parallel()
	p := ArgumentPolicy{MaxKeys: 10, MaxStringLength: 5, MaxDepth: 4}
	require.NoError(t, p.Validate(map[string]any{"q": "ok"}))
	require.Error(t, p.Validate(map[string]any{"q": "toolong"}))
}

func TestArgumentPolicy_Validate_Depth(t *testing.T) {
	t.Parallel()
	p := ArgumentPolicy{MaxKeys: 10, MaxStringLength: 100, MaxDepth: 1}
	shallow := map[string]any{"a": "x"}
	require.NoError(t, p.Validate(shallow))

	deep := map[string]any{"a": map[string]any{"b": map[string]any{"c": "x"}}}
	require.Error(t, p.Validate(deep))
}

func TestArgumentPolicy_Validate_KeyCount(t *testing.T) {
	t.Parallel()
	p := ArgumentPolicy{MaxKeys: 1, MaxStringLength: 100, MaxDepth: 4}
	require.Error(t, p.Validate(map[string]any{"a": "1", "b": "2"}))
}

func TestACL_Authorize_DefaultPolicyWhenNoACL(t *testing.T) {
	t.Parallel()
	var acl *ACL
	require.NoError(t, acl.Authorize("anything", map[string]any{"q": "ok"}))
}
