package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calev/orchid/internal/store"
	"github.com/calev/orchid/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearDefinition(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	// Must start with graph TD and carry the title as a comment.
	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% Order Processing")

	// Task nodes use square brackets, start/end double parens.
	assert.Contains(t, output, `charge["Charge Card"]`)
	assert.Contains(t, output, "start((")
	assert.Contains(t, output, "end((")

	// Edges present.
	assert.Contains(t, output, "start --> charge")
	assert.Contains(t, output, "charge --> end")

	// Class definitions are emitted even without status overlays.
	assert.Contains(t, output, "classDef completed")
	assert.Contains(t, output, "classDef failed")
	assert.Contains(t, output, "classDef in_progress")
	assert.Contains(t, output, "classDef pending")
}

func TestRenderMermaidBranching(t *testing.T) {
	model, err := Build(branchingDefinition(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	// If-else nodes use the diamond shape.
	assert.Contains(t, output, `decide{"Needs Review?"}`)

	// Guard conditions become edge labels.
	assert.Contains(t, output, "decide -->|true| review")
	assert.Contains(t, output, "decide -->|false| auto")
}

func TestRenderMermaidFork(t *testing.T) {
	model, err := Build(forkDefinition(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	// Fork nodes use double brackets.
	assert.Contains(t, output, `split[["split"]]`)
	assert.Contains(t, output, "split --> notify")
	assert.Contains(t, output, "split -->|keep| archive")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	execs := []*store.ActivityExecution{
		{ID: "ex-1", ActivityID: "charge", Status: schema.ExecutionCompleted, StartedAt: base},
	}

	model, err := Build(linearDefinition(), execs)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class charge completed")
	assert.NotContains(t, output, "class start")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "charge_card", mermaidSafeID("charge-card"))
	assert.Equal(t, "billing_charge", mermaidSafeID("billing.charge"))
	assert.Equal(t, "charge_card", mermaidSafeID("charge card"))
	assert.Equal(t, "plain", mermaidSafeID("plain"))
}
