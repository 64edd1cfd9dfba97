package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webfuse/webfuse/internal/errors"
)

func memPoint(id string, vec []float32, meta DocMeta) Point {
	return Point{ID: id, Vector: vec, Payload: Payload{DocMeta: meta, Text: "text " + id}}
}

func TestMemoryVectorIndex_SearchOrdersByCosine(t *testing.T) {
	m := NewMemoryVectorIndex()
	require.NoError(t, m.Upsert(context.Background(), []Point{
		memPoint("a", []float32{1, 0}, DocMeta{URL: "https://a"}),
		memPoint("b", []float32{0.9, 0.1}, DocMeta{URL: "https://b"}),
		memPoint("c", []float32{0, 1}, DocMeta{URL: "https://c"}),
	}))

	hits, err := m.Search(context.Background(), []float32{1, 0}, 2, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryVectorIndex_Filter(t *testing.T) {
	m := NewMemoryVectorIndex()
	require.NoError(t, m.Upsert(context.Background(), []Point{
		memPoint("a", []float32{1, 0}, DocMeta{Domain: "a.com", Language: "en"}),
		memPoint("b", []float32{1, 0}, DocMeta{Domain: "b.com", Language: "en"}),
	}))

	hits, err := m.Search(context.Background(), []float32{1, 0}, 10, Filter{Domain: "b.com"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}

func TestMemoryVectorIndex_UpsertReplacesByID(t *testing.T) {
	m := NewMemoryVectorIndex()
	require.NoError(t, m.Upsert(context.Background(), []Point{
		memPoint("a", []float32{1, 0}, DocMeta{}),
	}))
	require.NoError(t, m.Upsert(context.Background(), []Point{
		memPoint("a", []float32{0, 1}, DocMeta{}),
	}))

	count, err := m.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestMemoryVectorIndex_Down(t *testing.T) {
	m := NewMemoryVectorIndex()
	m.SetDown(true)

	assert.False(t, m.HealthCheck(context.Background()))
	_, err := m.Search(context.Background(), []float32{1}, 10, Filter{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransientRemote))

	m.SetDown(false)
	assert.True(t, m.HealthCheck(context.Background()))
}

func TestFilter_Matches(t *testing.T) {
	meta := DocMeta{Domain: "a.com", Language: "en", Country: "us", IsMobile: true}
	mobile := true
	notMobile := false

	assert.True(t, Filter{}.Matches(meta))
	assert.True(t, Filter{Domain: "a.com", Language: "en"}.Matches(meta))
	assert.True(t, Filter{IsMobile: &mobile}.Matches(meta))
	assert.False(t, Filter{Domain: "b.com"}.Matches(meta))
	assert.False(t, Filter{Country: "de"}.Matches(meta))
	assert.False(t, Filter{IsMobile: &notMobile}.Matches(meta))
	assert.True(t, Filter{}.Empty())
	assert.False(t, Filter{Domain: "a.com"}.Empty())
}
