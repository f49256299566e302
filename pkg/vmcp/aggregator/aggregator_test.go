package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgateway/vmcp/pkg/vmcp"
)

func sampleCapabilities() map[string]*vmcp.CapabilityList {
	return map[string]*vmcp.CapabilityList{
		"github": {
			Tools: []vmcp.Tool{
				{Name: "create_issue", Description: "Create GitHub issue"},
				{Name: "list_issues", Description: "List GitHub issues"},
			},
		},
		"jira": {
			Tools: []vmcp.Tool{
				{Name: "create_issue", Description: "Create Jira issue"},
				{Name: "list_projects", Description: "List Jira projects"},
			},
		},
	}
}

func TestDefaultAggregator_PrefixPolicy_NoCollisions(t *testing.T) {
	t.Parallel()
	agg := NewDefaultAggregator(PolicyPrefix, "{backend_id}_", nil)

	catalog, routing, err := agg.Aggregate(sampleCapabilities())
	require.NoError(t, err)
	assert.Len(t, catalog.Tools, 4)

	names := make(map[string]bool, len(catalog.Tools))
	for _, tool := range catalog.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names["github_create_issue"])
	assert.True(t, names["jira_create_issue"])

	target, ok := routing.Tools["github_create_issue"]
	require.True(t, ok)
	assert.Equal(t, "github", target.WorkloadID)
}

func TestDefaultAggregator_PrefixPolicy_CustomFormat(t *testing.T) {
	t.Parallel()
	agg := NewDefaultAggregator(PolicyPrefix, "{backend_id}.", nil)

	caps := map[string]*vmcp.CapabilityList{
		"backend1": {Tools: []vmcp.Tool{{Name: "tool1"}}},
		"backend2": {Tools: []vmcp.Tool{{Name: "tool1"}}},
	}
	catalog, routing, err := agg.Aggregate(caps)
	require.NoError(t, err)
	assert.Len(t, catalog.Tools, 2)
	assert.Contains(t, routing.Tools, "backend1.tool1")
	assert.Contains(t, routing.Tools, "backend2.tool1")
}

func TestDefaultAggregator_WinnerPolicy_FirstBackendWins(t *testing.T) {
	t.Parallel()
	agg := NewDefaultAggregator(PolicyWinner, "", []string{"github", "jira"})

	catalog, routing, err := agg.Aggregate(sampleCapabilities())
	require.NoError(t, err)
	// create_issue collides; only one survives. list_issues and
	// list_projects are unique, so 3 total entries.
	assert.Len(t, catalog.Tools, 3)

	target := routing.Tools["create_issue"]
	require.NotNil(t, target)
	assert.Equal(t, "github", target.WorkloadID)
}

func TestDefaultAggregator_WinnerPolicy_RespectsExplicitOrder(t *testing.T) {
	t.Parallel()
	agg := NewDefaultAggregator(PolicyWinner, "", []string{"jira", "github"})

	_, routing, err := agg.Aggregate(sampleCapabilities())
	require.NoError(t, err)
	assert.Equal(t, "jira", routing.Tools["create_issue"].WorkloadID)
}

func TestDefaultAggregator_WinnerPolicy_DeterministicWithoutExplicitOrder(t *testing.T) {
	t.Parallel()
	agg := NewDefaultAggregator(PolicyWinner, "", nil)

	_, routing, err := agg.Aggregate(sampleCapabilities())
	require.NoError(t, err)
	// No explicit order given: falls back to alphabetical backend ID, so
	// "github" (< "jira") wins deterministically across repeated runs.
	assert.Equal(t, "github", routing.Tools["create_issue"].WorkloadID)
}

func TestDefaultAggregator_UnknownPolicy(t *testing.T) {
	t.Parallel()
	agg := NewDefaultAggregator(CollisionPolicy("bogus"), "", nil)
	_, _, err := agg.Aggregate(sampleCapabilities())
	require.Error(t, err)
}

func TestDefaultAggregator_EmptyInput(t *testing.T) {
	t.Parallel()
	agg := NewDefaultAggregator(PolicyPrefix, "", nil)
	catalog, routing, err := agg.Aggregate(map[string]*vmcp.CapabilityList{})
	require.NoError(t, err)
	assert.Empty(t, catalog.Tools)
	assert.Empty(t, routing.Tools)
}
