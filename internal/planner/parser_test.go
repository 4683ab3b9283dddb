package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleSelect(t *testing.T) {
	plan, err := Parse(`SELECT * FROM task`)
	require.NoError(t, err)
	assert.Equal(t, "task", plan.Table)
	assert.Nil(t, plan.Fields)
	assert.Nil(t, plan.Where)
}

func TestParseWhereWithParam(t *testing.T) {
	plan, err := Parse(`SELECT id, title FROM task WHERE status = $status AND priority > 1`)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title"}, plan.Fields)

	and, ok := plan.Where.(*AndExpr)
	require.True(t, ok)

	left, ok := and.Left.(*ComparisonExpr)
	require.True(t, ok)
	assert.Equal(t, "status", left.Field)
	assert.Equal(t, OpEquals, left.Op)
	assert.Equal(t, TokenParam, left.Value.Kind)
	assert.Equal(t, "status", left.Value.Raw)

	right, ok := and.Right.(*ComparisonExpr)
	require.True(t, ok)
	assert.Equal(t, OpGreater, right.Op)
}

func TestParseRecordRefValue(t *testing.T) {
	plan, err := Parse(`SELECT * FROM task WHERE parent = task:abc123`)
	require.NoError(t, err)
	cmp, ok := plan.Where.(*ComparisonExpr)
	require.True(t, ok)
	assert.Equal(t, TokenRecordRef, cmp.Value.Kind)
	assert.Equal(t, "task:abc123", cmp.Value.Raw)
}

func TestParseOrderByLimitOffset(t *testing.T) {
	plan, err := Parse(`SELECT * FROM task ORDER BY updated DESC, id ASC LIMIT 10 OFFSET 5`)
	require.NoError(t, err)
	require.Len(t, plan.OrderBy, 2)
	assert.Equal(t, "updated", plan.OrderBy[0].Field)
	assert.Equal(t, Descending, plan.OrderBy[0].Direction)
	assert.Equal(t, "id", plan.OrderBy[1].Field)
	assert.Equal(t, Ascending, plan.OrderBy[1].Direction)
	assert.True(t, plan.HasLimit)
	assert.Equal(t, 10, plan.Limit)
	assert.True(t, plan.HasOffset)
	assert.Equal(t, 5, plan.Offset)
}

func TestParseParenthesizedOr(t *testing.T) {
	plan, err := Parse(`SELECT * FROM task WHERE (status = "open" OR status = "blocked") AND NOT priority = 0`)
	require.NoError(t, err)
	top, ok := plan.Where.(*AndExpr)
	require.True(t, ok)
	_, ok = top.Left.(*OrExpr)
	require.True(t, ok)
	not, ok := top.Right.(*NotExpr)
	require.True(t, ok)
	_, ok = not.Operand.(*ComparisonExpr)
	require.True(t, ok)
}

func TestParseMissingFromErrors(t *testing.T) {
	_, err := Parse(`SELECT * task`)
	require.Error(t, err)
}
