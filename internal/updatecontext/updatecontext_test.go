package updatecontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluebandedbee/updateclient/internal/component"
)

func TestRequestMetadataMerge(t *testing.T) {
	meta := RequestMetadata{
		Brand: "GGLS",
		AP:    "stable",
		Lang:  "en-US",
		ExtraAttrs: map[string]string{
			"experiment": "a",
		},
	}

	merged := meta.Merge()
	assert.Equal(t, map[string]string{
		"brand":      "GGLS",
		"ap":         "stable",
		"lang":       "en-US",
		"experiment": "a",
	}, merged)
}

func TestRequestMetadataMergeOmitsEmptyFields(t *testing.T) {
	meta := RequestMetadata{Brand: "GGLS"}
	merged := meta.Merge()
	assert.Equal(t, map[string]string{"brand": "GGLS"}, merged)
}

func TestNewAssignsSessionIDAndOrder(t *testing.T) {
	ids := []string{"c", "a", "b"}
	ctx := New(ids, RequestMetadata{}, Collaborators{})

	assert.NotEmpty(t, ctx.SessionID)
	assert.Equal(t, ids, ctx.IDs)
}

func TestNewCopiesIDSlice(t *testing.T) {
	ids := []string{"a", "b"}
	ctx := New(ids, RequestMetadata{}, Collaborators{})

	ids[0] = "mutated"
	assert.Equal(t, "a", ctx.IDs[0], "UpdateContext must not alias the caller's slice")
}

func TestComponentsPreservesIDOrder(t *testing.T) {
	ids := []string{"c", "a", "b"}
	ctx := New(ids, RequestMetadata{}, Collaborators{})

	ctx.PutComponent("a", component.New("a", nil, "", ""))
	ctx.PutComponent("b", component.New("b", nil, "", ""))
	ctx.PutComponent("c", component.New("c", nil, "", ""))

	comps := ctx.Components()
	require.Len(t, comps, 3)
	assert.Equal(t, "c", comps[0].ID())
	assert.Equal(t, "a", comps[1].ID())
	assert.Equal(t, "b", comps[2].ID())
}

func TestComponentsSkipsUnregisteredIDs(t *testing.T) {
	ctx := New([]string{"a", "b"}, RequestMetadata{}, Collaborators{})
	ctx.PutComponent("a", component.New("a", nil, "", ""))

	comps := ctx.Components()
	require.Len(t, comps, 1)
	assert.Equal(t, "a", comps[0].ID())
}

func TestComponentLookup(t *testing.T) {
	ctx := New([]string{"a"}, RequestMetadata{}, Collaborators{})
	assert.Nil(t, ctx.Component("a"))

	comp := component.New("a", nil, "", "")
	ctx.PutComponent("a", comp)
	assert.Same(t, comp, ctx.Component("a"))
}

func TestCancelIsIdempotentAndObservable(t *testing.T) {
	ctx := New([]string{"a"}, RequestMetadata{}, Collaborators{})
	assert.False(t, ctx.Cancelled())

	ctx.Cancel()
	ctx.Cancel()
	assert.True(t, ctx.Cancelled())
}
