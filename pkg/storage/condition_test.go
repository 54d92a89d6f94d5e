package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/provgraph/pkg/model"
)

func TestLike(t *testing.T) {
	cases := []struct {
		s, pattern string
		want       bool
	}{
		{"/tmp/a.txt", "/tmp/%", true},
		{"/tmp/a.txt", "%.txt", true},
		{"/tmp/a.txt", "/tmp/_.txt", true},
		{"/tmp/ab.txt", "/tmp/_.txt", false},
		{"bash", "bash", true},
		{"bash", "Bash", false},
		{"", "%", true},
		{"abc", "a%c%", true},
		{"abc", "a%d", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Like(c.s, c.pattern), "%q LIKE %q", c.s, c.pattern)
	}
}

func TestFilterMatchVertex(t *testing.T) {
	v := model.MustVertex("type", "Process", "name", "bash", "pid", "12")

	assert.True(t, Filter{}.MatchVertex(v))
	assert.True(t, Filter{Eq("name", "bash")}.MatchVertex(v))
	assert.True(t, ByKey(v.Key()).MatchVertex(v))
	assert.False(t, Filter{Eq("name", "bash"), Eq("pid", "13")}.MatchVertex(v))
	assert.True(t, Filter{{Key: "user", Op: OpNe, Value: "root"}}.MatchVertex(v))
	assert.False(t, Filter{{Key: "user", Op: OpLike, Value: "%"}}.MatchVertex(v))
}

func TestFilterMatchEdge(t *testing.T) {
	p := model.MustVertex("type", "Process", "pid", "1")
	f := model.MustVertex("type", "Artifact", "path", "/x")
	e := model.MustEdge(model.EdgeUsed, p, f)

	assert.True(t, Filter{Eq(model.ChildKey, p.Key()), Eq(model.ParentKey, f.Key())}.MatchEdge(e))
	assert.False(t, Filter{Eq(model.ChildKey, f.Key())}.MatchEdge(e))
	assert.True(t, Filter{Eq("type", model.EdgeUsed)}.MatchEdge(e))
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("name=bash AND path LIKE /tmp/% AND pid!=1")
	require.NoError(t, err)
	require.Len(t, f, 3)
	assert.Equal(t, Condition{Key: "name", Op: OpEq, Value: "bash"}, f[0])
	assert.Equal(t, Condition{Key: "path", Op: OpLike, Value: "/tmp/%"}, f[1])
	assert.Equal(t, Condition{Key: "pid", Op: OpNe, Value: "1"}, f[2])

	empty, err := ParseFilter("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseFilter("nonsense")
	assert.Error(t, err)

	assert.Error(t, Filter{{Key: "a", Op: ">", Value: "1"}}.Validate())
}

func TestGraphOf(t *testing.T) {
	g, ok := GraphOf("spade_graph_3_vertex")
	assert.True(t, ok)
	assert.Equal(t, "spade_graph_3", g)

	g, ok = GraphOf("spade_graph_3_edge")
	assert.True(t, ok)
	assert.Equal(t, "spade_graph_3", g)

	_, ok = GraphOf(SymbolTable)
	assert.False(t, ok)
	assert.True(t, IsTemp("spade_temp_1_vertex"))
}

func TestRegistry(t *testing.T) {
	Register("registry-test", func(ctx context.Context, opts Options) (Backend, error) {
		return nil, errors.New("sentinel")
	})
	assert.Contains(t, Backends(), "registry-test")

	_, err := Open(context.Background(), "registry-test", Options{})
	assert.EqualError(t, err, "sentinel")

	_, err = Open(context.Background(), "no-such-backend", Options{})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	assert.Panics(t, func() {
		Register("registry-test", func(ctx context.Context, opts Options) (Backend, error) { return nil, nil })
	})
}
