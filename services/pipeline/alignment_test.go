package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModelAlignment(t *testing.T) {
	require.Equal(t, "medium", ModelAlignment{}.Score("goal", "text", "medium"))
	require.Equal(t, "high", ModelAlignment{}.Score("goal", "text", "Very High"))
	require.Equal(t, "low", ModelAlignment{}.Score("goal", "text", "low match"))
	require.Equal(t, Unknown, ModelAlignment{}.Score("goal", "text", "unknown"))
	require.Equal(t, Unknown, ModelAlignment{}.Score("goal", "text", ""))
}

func TestKeywordAlignment(t *testing.T) {
	listing := "Coral reef ecology and restoration research in tropical Australia."

	require.Equal(t, "high", KeywordAlignment{}.Score("coral reefs", listing, ""))
	require.Equal(t, "low", KeywordAlignment{}.Score("quantum computing", "medieval french poetry archives", ""))

	// the model's own value carries no weight here
	require.Equal(t, "high", KeywordAlignment{}.Score("coral reefs", listing, "low"))

	require.Equal(t, Unknown, KeywordAlignment{}.Score("", listing, "high"))
	require.Equal(t, Unknown, KeywordAlignment{}.Score("coral reefs", "", "high"))
}

func TestScorerByName(t *testing.T) {
	require.IsType(t, KeywordAlignment{}, ScorerByName("keywords"))
	require.IsType(t, ModelAlignment{}, ScorerByName(""))
	require.IsType(t, ModelAlignment{}, ScorerByName("model"))
}
