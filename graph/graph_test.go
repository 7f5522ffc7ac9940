package graph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/play-engine/types"
)

func brick(id string, c types.BrickCategory) types.Node {
	return types.Node{ID: id, Type: types.NodeTypeBrick, Category: c}
}

// diamond: start -> fork -> {a, b} -> join -> end
func diamond() ([]types.Node, []types.Edge) {
	nodes := []types.Node{
		{ID: "start", Type: types.NodeTypeStart},
		{ID: "fork", Type: types.NodeTypeFork},
		brick("b", types.CategoryReview),
		brick("a", types.CategoryCollection),
		{ID: "join", Type: types.NodeTypeJoin},
		{ID: "end", Type: types.NodeTypeEnd},
	}
	edges := []types.Edge{
		{Source: "start", Target: "fork"},
		{Source: "fork", Target: "a"},
		{Source: "fork", Target: "b"},
		{Source: "a", Target: "join"},
		{Source: "b", Target: "join"},
		{Source: "join", Target: "end"},
	}
	return nodes, edges
}

func codes(errs []types.ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Code)
	}
	return out
}

func TestValidate(t *testing.T) {
	t.Run("ValidDiamond", func(t *testing.T) {
		nodes, edges := diamond()
		assert.Empty(t, Validate(nodes, edges))
	})

	t.Run("Cycle", func(t *testing.T) {
		nodes := []types.Node{
			{ID: "start", Type: types.NodeTypeStart},
			brick("a", types.CategoryCollection),
			brick("b", types.CategoryCollection),
		}
		edges := []types.Edge{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		}
		assert.Contains(t, codes(Validate(nodes, edges)), types.CodeCycle)
	})

	t.Run("SelfLoop", func(t *testing.T) {
		nodes := []types.Node{{ID: "start", Type: types.NodeTypeStart}, brick("a", types.CategoryReview)}
		edges := []types.Edge{{Source: "start", Target: "a"}, {Source: "a", Target: "a"}}
		assert.Contains(t, codes(Validate(nodes, edges)), types.CodeCycle)
	})

	t.Run("MissingAndMultipleStarts", func(t *testing.T) {
		noStart := []types.Node{brick("a", types.CategoryReview)}
		assert.Contains(t, codes(Validate(noStart, nil)), types.CodeRequired)

		two := []types.Node{{ID: "s1", Type: types.NodeTypeStart}, {ID: "s2", Type: types.NodeTypeStart}}
		assert.Contains(t, codes(Validate(two, nil)), types.CodeDuplicate)
	})

	t.Run("DanglingEdgeAndOrphan", func(t *testing.T) {
		nodes := []types.Node{
			{ID: "start", Type: types.NodeTypeStart},
			brick("a", types.CategoryReview),
			brick("orphan", types.CategoryReview),
		}
		edges := []types.Edge{{Source: "start", Target: "a"}, {Source: "a", Target: "ghost"}}
		errs := Validate(nodes, edges)
		assert.Contains(t, codes(errs), types.CodeNotFound)
		assert.Contains(t, codes(errs), types.CodeUnreachable)
		assert.Len(t, errs, 2, "all problems are reported together")
	})

	t.Run("BrickCategoryAndConfig", func(t *testing.T) {
		nodes := []types.Node{
			{ID: "start", Type: types.NodeTypeStart},
			{ID: "x", Type: types.NodeTypeBrick},
			{ID: "y", Type: types.NodeTypeBrick, Category: "teleport"},
			{ID: "z", Type: types.NodeTypeBrick, Category: types.CategoryCollection,
				Config: map[string]interface{}{"fields": "not-a-list"}},
			{ID: "w", Type: "mystery"},
		}
		edges := []types.Edge{
			{Source: "start", Target: "x"}, {Source: "start", Target: "y"},
			{Source: "start", Target: "z"}, {Source: "start", Target: "w"},
		}
		errs := Validate(nodes, edges)
		assert.Equal(t, []string{types.CodeRequired, types.CodeInvalidEnum, types.CodeInvalid, types.CodeInvalidEnum}, codes(errs))
	})

	t.Run("ConditionOnNonDecisionEdge", func(t *testing.T) {
		nodes := []types.Node{{ID: "start", Type: types.NodeTypeStart}, brick("a", types.CategoryReview)}
		edges := []types.Edge{{Source: "start", Target: "a", Condition: "true"}}
		assert.Equal(t, []string{types.CodeInvalid}, codes(Validate(nodes, edges)))
	})

	t.Run("PlayID", func(t *testing.T) {
		nodes, edges := diamond()
		errs := ValidatePlay(types.Play{Nodes: nodes, Edges: edges})
		require.Len(t, errs, 1)
		assert.Equal(t, "id", errs[0].Path)
	})
}

func completed(states map[string]types.NodeExecutionState, ids ...string) {
	for _, id := range ids {
		states[id] = types.NodeExecutionState{NodeID: id, Status: types.StatusCompleted}
	}
}

func ids(nodes []types.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestRunnableNodes(t *testing.T) {
	nodes, edges := diamond()
	states := map[string]types.NodeExecutionState{}

	assert.Equal(t, []string{"start"}, ids(RunnableNodes(nodes, edges, states)))

	completed(states, "start", "fork")
	// b was created before a, so it is scheduled first.
	assert.Equal(t, []string{"b", "a"}, ids(RunnableNodes(nodes, edges, states)))

	completed(states, "a")
	assert.Equal(t, []string{"b"}, ids(RunnableNodes(nodes, edges, states)), "join waits for b")

	states["b"] = types.NodeExecutionState{NodeID: "b", Status: types.StatusWaitingForInput}
	assert.Empty(t, RunnableNodes(nodes, edges, states), "waiting nodes are not runnable again")

	completed(states, "b")
	assert.Equal(t, []string{"join"}, ids(RunnableNodes(nodes, edges, states)))
}

func TestRunnableNodesLivenessAndSafety(t *testing.T) {
	nodes, edges := diamond()
	ix := NewIndex(nodes, edges)
	states := map[string]types.NodeExecutionState{}
	visits := map[string]int{}

	for step := 0; step < 20; step++ {
		runnable := RunnableNodes(nodes, edges, states)
		if len(runnable) == 0 {
			break
		}
		for _, n := range runnable {
			for _, p := range ix.Predecessors(n.ID) {
				require.Equal(t, types.StatusCompleted, types.StatusOf(states, p.ID),
					"%s scheduled before predecessor %s completed", n.ID, p.ID)
			}
			visits[n.ID]++
			completed(states, n.ID)
		}
	}

	for _, n := range nodes {
		assert.Equal(t, 1, visits[n.ID], "node %s visited exactly once", n.ID)
	}
}

func TestTopologicalOrder(t *testing.T) {
	nodes, edges := diamond()
	order, err := TopologicalOrder(nodes, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "fork", "b", "a", "join", "end"}, ids(order))

	cyclic := append(edges, types.Edge{Source: "end", Target: "fork"})
	_, err = TopologicalOrder(nodes, cyclic)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestIndex(t *testing.T) {
	nodes, edges := diamond()
	ix := NewIndex(nodes, edges)

	assert.Equal(t, []string{"b", "a"}, ids(ix.Predecessors("join")))
	assert.Equal(t, []string{"start", "fork", "b", "a"}, ids(ix.Ancestors("join")))
	n, ok := ix.Node("a")
	require.True(t, ok)
	assert.Equal(t, "a", n.ID)
	_, ok = ix.Node("nope")
	assert.False(t, ok)
	assert.Len(t, ix.Outgoing("fork"), 2)
	assert.Len(t, ix.Incoming("join"), 2)
}

func TestLoadDefinitions(t *testing.T) {
	doc := `
plays:
  - id: onboarding
    name: Onboarding
    approval_template_id: tpl-1
    nodes:
      - id: start
        type: start
      - id: intake
        type: brick
        brick_category: collection
        metadata:
          label: Intake form
        config:
          fields:
            - name: email
              required: true
              rules:
                - type: email
            - name: seats
              rules:
                - type: range
                  min: 1
                  max: 50
      - id: end
        type: end
    edges:
      - source: start
        target: intake
      - source: intake
        target: end
approval_templates:
  - id: tpl-1
    name: Finance
    routes:
      - position: 1
        approval_mode: parallel
        approval_threshold: percentage
        percentage_required: 50
        approvers: [finance]
`
	path := filepath.Join(t.TempDir(), "defs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs.Plays, 1)
	require.Len(t, defs.Templates, 1)

	play := defs.Plays[0]
	assert.Empty(t, ValidatePlay(play))
	assert.Equal(t, "Intake form", play.Nodes[1].Metadata.Label)

	cfg, err := types.DecodeBrickConfig(play.Nodes[1].Category, play.Nodes[1].Config)
	require.NoError(t, err)
	coll := cfg.(types.CollectionConfig)
	require.Len(t, coll.Fields, 2)
	require.NotNil(t, coll.Fields[1].Rules[0].Max)
	assert.Equal(t, 50.0, *coll.Fields[1].Rules[0].Max)

	assert.Equal(t, types.ThresholdPercentage, defs.Templates[0].Routes[0].ApprovalThreshold)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
