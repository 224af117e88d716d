package compaction

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/arbor/pkg/domain"
)

func history(n int) []domain.Message {
	out := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		out = append(out, domain.Message{
			Role:    role,
			Content: fmt.Sprintf("message %03d %s", i, strings.Repeat("x", 80)),
		})
	}
	return out
}

func TestTrim_UnderBudgetUntouched(t *testing.T) {
	c := New(WithMaxTokens(100000))
	msgs := history(20)
	got := c.Trim(msgs)
	assert.Len(t, got, 20)
}

func TestTrim_SlidingWindow(t *testing.T) {
	c := New(WithStrategy(SlidingWindow), WithMaxTokens(10), WithKeepLast(4))
	msgs := history(20)

	got := c.Trim(msgs)
	require.Len(t, got, 4)
	assert.Contains(t, got[0].Content, "message 016")
	assert.Contains(t, got[3].Content, "message 019")

	// Input untouched.
	assert.Len(t, msgs, 20)
}

func TestTrim_TokenAwareKeepsRecentPlusBudget(t *testing.T) {
	msgs := history(30)
	perMsg := EstimateTokens(msgs[:1])

	// Budget for the last 5 plus roughly 3 more.
	c := New(WithStrategy(TokenAware), WithKeepLast(5), WithMaxTokens(perMsg*8))

	got := c.Trim(msgs)
	require.GreaterOrEqual(t, len(got), 5)
	assert.LessOrEqual(t, len(got), 9)

	// Newest messages always survive, in order.
	assert.Contains(t, got[len(got)-1].Content, "message 029")
	assert.Contains(t, got[len(got)-5].Content, "message 025")
	assert.LessOrEqual(t, EstimateTokens(got), perMsg*8)
}

func TestTrim_DropsOrphanedToolResult(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: strings.Repeat("a", 400)},
		{Role: domain.RoleAssistant, Content: strings.Repeat("b", 400)},
		{Role: domain.RoleTool, Content: "tool output", ToolCallID: "1"},
		{Role: domain.RoleAssistant, Content: "done"},
		{Role: domain.RoleUser, Content: "thanks"},
	}
	c := New(WithStrategy(SlidingWindow), WithMaxTokens(10), WithKeepLast(3))

	got := c.Trim(msgs)
	require.NotEmpty(t, got)
	assert.NotEqual(t, domain.RoleTool, got[0].Role,
		"a window must not open on a tool result whose call was trimmed away")
	assert.Len(t, got, 2)
}

func TestTrim_Empty(t *testing.T) {
	c := New()
	assert.Empty(t, c.Trim(nil))
}

func TestEstimateTokens(t *testing.T) {
	msgs := []domain.Message{{Role: domain.RoleUser, Content: strings.Repeat("x", 40)}}
	assert.Equal(t, 40/charsPerToken+perMessageOverhead, EstimateTokens(msgs))
}
