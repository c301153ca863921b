// 条件表达式解析与求值测试。
package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalCondition(t *testing.T, src string, bag map[string]any) bool {
	t.Helper()
	expr, err := ParseCondition(src)
	require.NoError(t, err, "condition %q should parse", src)
	return expr.Eval(bag)
}

func TestCondition_BarePathTruthiness(t *testing.T) {
	bag := map[string]any{
		"handoffRequired": true,
		"response":        "",
		"count":           0,
		"name":            "alice",
	}

	assert.True(t, evalCondition(t, "handoffRequired", bag))
	assert.False(t, evalCondition(t, "response", bag), "空字符串为假")
	assert.False(t, evalCondition(t, "count", bag), "数字零为假")
	assert.True(t, evalCondition(t, "name", bag))
	assert.False(t, evalCondition(t, "missing", bag), "未知路径视为 nil")
}

func TestCondition_Comparisons(t *testing.T) {
	bag := map[string]any{
		"sentiment": "ANGRY",
		"priority":  "P1",
		"hits":      3,
	}

	assert.True(t, evalCondition(t, `sentiment == 'ANGRY'`, bag))
	assert.True(t, evalCondition(t, `sentiment != "NEUTRAL"`, bag))
	assert.True(t, evalCondition(t, "hits >= 3", bag))
	assert.True(t, evalCondition(t, "hits > 2", bag))
	assert.False(t, evalCondition(t, "hits < 3", bag))
	assert.True(t, evalCondition(t, "hits <= 3", bag))
}

func TestCondition_BooleanOperators(t *testing.T) {
	bag := map[string]any{
		"handoffRequired": true,
		"sentiment":       "NEUTRAL",
		"hits":            0,
	}

	assert.True(t, evalCondition(t, `handoffRequired && sentiment == 'NEUTRAL'`, bag))
	assert.True(t, evalCondition(t, `hits > 0 || handoffRequired`, bag))
	assert.False(t, evalCondition(t, `!handoffRequired`, bag))
	assert.True(t, evalCondition(t, `!(hits > 0)`, bag))
	// && 优先于 ||
	assert.True(t, evalCondition(t, `hits > 0 && false || handoffRequired`, bag))
}

func TestCondition_DottedPath(t *testing.T) {
	bag := map[string]any{
		"ticket": map[string]any{"module": "devbox"},
	}
	assert.True(t, evalCondition(t, `ticket.module == 'devbox'`, bag))
	assert.False(t, evalCondition(t, `ticket.category == 'devbox'`, bag))
}

func TestCondition_NumericVsStringCompare(t *testing.T) {
	bag := map[string]any{"retrievedContextCount": 2}
	// 数字与数字字面量走数值比较
	assert.True(t, evalCondition(t, "retrievedContextCount == 2", bag))
	assert.True(t, evalCondition(t, "retrievedContextCount < 10", bag))
}

func TestCondition_EmptyIsAlwaysTrue(t *testing.T) {
	assert.True(t, evalCondition(t, "", nil))
	assert.True(t, evalCondition(t, "   ", nil))
}

func TestCondition_ParseErrors(t *testing.T) {
	invalid := []string{
		"a &&",
		"(a || b",
		"a == ",
		"a @ b",
		"a == b extra",
	}
	for _, src := range invalid {
		_, err := ParseCondition(src)
		assert.Error(t, err, "condition %q should fail", src)
	}
}

func TestCondition_NoCodeInjection(t *testing.T) {
	// 调用形式不是合法操作数，直接解析失败而不是被求值
	_, err := ParseCondition(`system("rm -rf /")`)
	assert.Error(t, err)
}
