// internal/diff/diff_test.go
package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_IdenticalTextIsEmpty(t *testing.T) {
	texts := []string{
		"",
		"单独一行",
		"A\nB\nC",
		"第一章\n\n夜色渐深，码头上只剩下风声。\n李维握紧了手里的信。",
	}

	for _, text := range texts {
		result := Compute(text, text, 2, "")
		assert.True(t, result.IsEmpty(), "相同文本的 diff 必须为空: %q", text)
		assert.Empty(t, result.Hunks)
		assert.Equal(t, 0, result.Stats.Additions)
		assert.Equal(t, 0, result.Stats.Deletions)
	}
}

func TestCompute_SingleLineReplacement(t *testing.T) {
	original := "A\nB\nC"
	revised := "A\nX\nC"

	result := Compute(original, revised, 1, "修改中间行")

	require.Len(t, result.Hunks, 1)
	assert.Equal(t, 1, result.Stats.Additions)
	assert.Equal(t, 1, result.Stats.Deletions)

	hunk := result.Hunks[0]
	assert.Equal(t, "修改中间行", hunk.Reason)
	assert.NotEmpty(t, hunk.ID)
	assert.Equal(t, []string{"B"}, hunk.Removed)
	assert.Equal(t, []string{"X"}, hunk.Added)
	assert.Equal(t, []string{"A"}, hunk.ContextBefore)
	assert.Equal(t, []string{"C"}, hunk.ContextAfter)

	// 全部接受 → 修订文本；全部拒绝 → 原文
	accepted := ApplyWithDecisions(result.OriginalLines, result.Ops, DefaultDecisions(result.Hunks))
	assert.Equal(t, revised, accepted)

	rejectAll := map[string]Decision{hunk.ID: DecisionRejected}
	rejected := ApplyWithDecisions(result.OriginalLines, result.Ops, rejectAll)
	assert.Equal(t, original, rejected)
}

func TestCompute_RoundTripProperty(t *testing.T) {
	cases := []struct {
		name     string
		original string
		revised  string
	}{
		{"插入行", "A\nB", "A\nB\nC\nD"},
		{"删除行", "A\nB\nC\nD", "A\nD"},
		{"头部变更", "开场白\n正文", "新的开场白\n正文"},
		{"尾部变更", "正文\n结尾", "正文\n另一个结尾"},
		{"完全重写", "旧的段落一\n旧的段落二", "全新内容"},
		{"空到非空", "", "新章节内容"},
		{"非空到空", "将被清空的内容", ""},
		{"多处散布变更", "a\nb\nc\nd\ne\nf\ng", "a\nB\nc\nd\nE\nF\ng\nh"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := Compute(tc.original, tc.revised, 2, "测试")

			// 空决策集等价于全部接受
			assert.Equal(t, tc.revised,
				ApplyWithDecisions(result.OriginalLines, result.Ops, map[string]Decision{}))

			rejectAll := make(map[string]Decision)
			for _, h := range result.Hunks {
				rejectAll[h.ID] = DecisionRejected
			}
			assert.Equal(t, tc.original,
				ApplyWithDecisions(result.OriginalLines, result.Ops, rejectAll))
		})
	}
}

func TestApplyWithDecisions_PendingBehavesAccepted(t *testing.T) {
	original := "A\nB\nC"
	revised := "A\nX\nC"
	result := Compute(original, revised, 0, "")
	require.Len(t, result.Hunks, 1)

	pending := map[string]Decision{result.Hunks[0].ID: DecisionPending}
	assert.Equal(t, revised, ApplyWithDecisions(result.OriginalLines, result.Ops, pending))
}

func TestApplyWithDecisions_MixedDecisions(t *testing.T) {
	original := "a\nb\nc\nd\ne\nf\ng"
	revised := "a\nB\nc\nd\nE\nf\ng"

	result := Compute(original, revised, 1, "")
	require.Len(t, result.Hunks, 2)

	// 接受第一处、拒绝第二处
	decisions := map[string]Decision{
		result.Hunks[0].ID: DecisionAccepted,
		result.Hunks[1].ID: DecisionRejected,
	}
	got := ApplyWithDecisions(result.OriginalLines, result.Ops, decisions)
	assert.Equal(t, "a\nB\nc\nd\ne\nf\ng", got)

	// 反过来
	decisions = map[string]Decision{
		result.Hunks[0].ID: DecisionRejected,
		result.Hunks[1].ID: DecisionAccepted,
	}
	got = ApplyWithDecisions(result.OriginalLines, result.Ops, decisions)
	assert.Equal(t, "a\nb\nc\nd\nE\nf\ng", got)
}

func TestAllResolved(t *testing.T) {
	result := Compute("A\nB\nC", "A\nX\nC", 0, "")
	require.Len(t, result.Hunks, 1)
	hunkID := result.Hunks[0].ID

	assert.False(t, AllResolved(result.Hunks, map[string]Decision{}))
	assert.False(t, AllResolved(result.Hunks, map[string]Decision{hunkID: DecisionPending}))
	assert.True(t, AllResolved(result.Hunks, map[string]Decision{hunkID: DecisionAccepted}))
	assert.True(t, AllResolved(result.Hunks, map[string]Decision{hunkID: DecisionRejected}))
}

func TestCompute_ContextClampedAtBoundaries(t *testing.T) {
	result := Compute("X\nb\nc", "Y\nb\nc", 5, "")
	require.Len(t, result.Hunks, 1)

	hunk := result.Hunks[0]
	assert.Empty(t, hunk.ContextBefore)
	assert.Equal(t, []string{"b", "c"}, hunk.ContextAfter)
}

func TestSuspectTruncated(t *testing.T) {
	original := strings.Repeat("这是完整的一段叙述文字。\n", 40)

	// 过短且停在句中 → 怀疑截断
	assert.True(t, SuspectTruncated(original, "这是完整的一段叙述"))
	// 过短但以句号收尾 → 不怀疑
	assert.False(t, SuspectTruncated(original, "这是完整的一段叙述文字。"))
	// 长度合理 → 不怀疑
	assert.False(t, SuspectTruncated(original, strings.Repeat("新的叙述", 200)))
	// 空输入不触发
	assert.False(t, SuspectTruncated("", "x"))
	assert.False(t, SuspectTruncated(original, ""))
}

func TestStabilizeTail_AnchorRecovery(t *testing.T) {
	original := "第一段。\n第二段。\n第三段。\n第四段。\n第五段。\n第六段。\n第七段。\n第八段。\n第九段。\n第十段。"
	// 修订只改了第一段，随后在第二段中途被截断
	revised := "改写后的第一段。\n第二段"

	fixed, corrected := StabilizeTail(original, revised)
	require.True(t, corrected)
	assert.True(t, strings.HasPrefix(fixed, revised))
	assert.True(t, strings.HasSuffix(fixed, "第十段。"))
}

func TestStabilizeTail_NoCorrectionWhenComplete(t *testing.T) {
	original := "第一段。\n第二段。\n第三段。"
	revised := "改写后的全文，虽然更短，但结尾是完整的。"

	fixed, corrected := StabilizeTail(original, revised)
	assert.False(t, corrected)
	assert.Equal(t, revised, fixed)
}
