package pathfinder

import (
	"testing"

	"kme/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recs() []domain.TrustedNodeRecord {
	return []domain.TrustedNodeRecord{
		{TnID: "A", NeighborTnIDs: []string{"B"}, Distance: 1},
		{TnID: "B", NeighborTnIDs: []string{"A", "C"}, Distance: 1},
		{TnID: "C", NeighborTnIDs: []string{"B"}, Distance: 1},
	}
}

func TestFindPath_SimpleChain(t *testing.T) {
	g := BuildGraph(recs())
	path, err := g.FindPath("A", "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, path)
}

func TestFindPath_SameNode(t *testing.T) {
	g := BuildGraph(recs())
	path, err := g.FindPath("A", "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, path)
}

func TestFindPath_Unreachable(t *testing.T) {
	records := append(recs(), domain.TrustedNodeRecord{TnID: "D"})
	g := BuildGraph(records)

	_, err := g.FindPath("A", "D")
	assert.Error(t, err)
}

func TestFindPath_TieBreakLexicographic(t *testing.T) {
	// A connects to both X and B with equal weight; both reach dst Z with
	// equal total cost. Lower tn_id (B) must win.
	records := []domain.TrustedNodeRecord{
		{TnID: "A", NeighborTnIDs: []string{"B", "X"}, Distance: 1},
		{TnID: "B", NeighborTnIDs: []string{"Z"}, Distance: 1},
		{TnID: "X", NeighborTnIDs: []string{"Z"}, Distance: 1},
		{TnID: "Z"},
	}
	g := BuildGraph(records)

	path, err := g.FindPath("A", "Z")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "Z"}, path)
}

func TestFindPath_FewestHopsWhenDistancesUniform(t *testing.T) {
	g := BuildGraph(recs())
	path, err := g.FindPath("A", "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, path)
}
