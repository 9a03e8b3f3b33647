// internal/diff/diff.go
package diff

import (
	"strings"

	"github.com/google/uuid"
)

// OpKind 行操作段的类型
type OpKind string

const (
	// OpEqual 未变更的行
	OpEqual OpKind = "equal"
	// OpDelete 原文中被删除的行
	OpDelete OpKind = "delete"
	// OpInsert 修订中新增的行
	OpInsert OpKind = "insert"
)

// Op 表示一段连续的同类行操作
type Op struct {
	Kind      OpKind   `json:"kind"`
	Lines     []string `json:"lines"`      // equal/delete 为原文行，insert 为修订行
	OrigStart int      `json:"orig_start"` // 在原文行数组中的起始下标（insert 表示插入点）
	HunkID    string   `json:"hunk_id,omitempty"`
}

// Hunk 一组连续的、可整体接受或拒绝的行级变更
type Hunk struct {
	ID            string   `json:"id"`
	Reason        string   `json:"reason"` // 调用方提供的变更理由
	OrigStart     int      `json:"orig_start"`
	OrigCount     int      `json:"orig_count"`
	Removed       []string `json:"removed"`
	Added         []string `json:"added"`
	ContextBefore []string `json:"context_before"`
	ContextAfter  []string `json:"context_after"`
	OpIndexes     []int    `json:"op_indexes"` // 该 hunk 覆盖的 Ops 下标
}

// Stats 变更统计
type Stats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Result diff 计算的完整结果
type Result struct {
	Hunks         []Hunk   `json:"hunks"`
	Ops           []Op     `json:"ops"`
	Stats         Stats    `json:"stats"`
	OriginalLines []string `json:"original_lines"`
}

// IsEmpty 判断 diff 是否没有产生任何可应用的变更
// 空 diff 对调用方来说是硬失败条件，绝不能静默当作成功
func (r *Result) IsEmpty() bool {
	return r.Stats.Additions == 0 && r.Stats.Deletions == 0
}

// Compute 计算行粒度的最小编辑 diff
// 连续的增删行被归组为 hunk，每侧填充 contextLines 行未变更的上下文
// reason 是调用方提供的自由文本理由，附加到每个 hunk 上
func Compute(original, revised string, contextLines int, reason string) *Result {
	origLines := SplitLines(original)
	revLines := SplitLines(revised)

	ops := computeOps(origLines, revLines)

	result := &Result{
		Ops:           ops,
		OriginalLines: origLines,
		Hunks:         make([]Hunk, 0),
	}

	// 统计增删行数
	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			result.Stats.Additions += len(op.Lines)
		case OpDelete:
			result.Stats.Deletions += len(op.Lines)
		}
	}

	// 将连续的非 equal 操作段归组为 hunk
	i := 0
	for i < len(ops) {
		if ops[i].Kind == OpEqual {
			i++
			continue
		}

		hunk := Hunk{
			ID:        uuid.NewString(),
			Reason:    reason,
			OrigStart: ops[i].OrigStart,
		}

		for i < len(ops) && ops[i].Kind != OpEqual {
			ops[i].HunkID = hunk.ID
			hunk.OpIndexes = append(hunk.OpIndexes, i)

			switch ops[i].Kind {
			case OpDelete:
				hunk.Removed = append(hunk.Removed, ops[i].Lines...)
				hunk.OrigCount += len(ops[i].Lines)
			case OpInsert:
				hunk.Added = append(hunk.Added, ops[i].Lines...)
			}
			i++
		}

		// 填充两侧上下文（仅用于展示，不影响决策语义）
		if contextLines > 0 {
			before := hunk.OrigStart - contextLines
			if before < 0 {
				before = 0
			}
			hunk.ContextBefore = append([]string{}, origLines[before:hunk.OrigStart]...)

			afterStart := hunk.OrigStart + hunk.OrigCount
			afterEnd := afterStart + contextLines
			if afterEnd > len(origLines) {
				afterEnd = len(origLines)
			}
			if afterStart < len(origLines) {
				hunk.ContextAfter = append([]string{}, origLines[afterStart:afterEnd]...)
			}
		}

		result.Hunks = append(result.Hunks, hunk)
	}

	return result
}

// SplitLines 将文本切分为行（不含行尾换行符）
// 空文本切分为空数组而不是单个空行
func SplitLines(text string) []string {
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}

// computeOps 基于 LCS 回溯生成操作段序列
func computeOps(origLines, revLines []string) []Op {
	n, m := len(origLines), len(revLines)

	// 去掉公共前后缀，缩小 DP 规模
	prefix := 0
	for prefix < n && prefix < m && origLines[prefix] == revLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < n-prefix && suffix < m-prefix &&
		origLines[n-1-suffix] == revLines[m-1-suffix] {
		suffix++
	}

	midOrig := origLines[prefix : n-suffix]
	midRev := revLines[prefix : m-suffix]

	ops := make([]Op, 0)
	if prefix > 0 {
		ops = append(ops, Op{Kind: OpEqual, Lines: origLines[:prefix], OrigStart: 0})
	}

	ops = appendMiddleOps(ops, midOrig, midRev, prefix)

	if suffix > 0 {
		ops = append(ops, Op{Kind: OpEqual, Lines: origLines[n-suffix:], OrigStart: n - suffix})
	}

	return ops
}

// appendMiddleOps 对去除公共前后缀的中段做 LCS 动态规划并回溯
func appendMiddleOps(ops []Op, origLines, revLines []string, offset int) []Op {
	n, m := len(origLines), len(revLines)
	if n == 0 && m == 0 {
		return ops
	}
	if n == 0 {
		return append(ops, Op{Kind: OpInsert, Lines: append([]string{}, revLines...), OrigStart: offset})
	}
	if m == 0 {
		return append(ops, Op{Kind: OpDelete, Lines: append([]string{}, origLines...), OrigStart: offset})
	}

	// lcs[i][j] = origLines[i:] 与 revLines[j:] 的最长公共子序列长度
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if origLines[i] == revLines[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	// 回溯，合并连续的同类段；删除优先于插入，保持 hunk 内 removed 在 added 之前
	i, j := 0, 0
	appendRun := func(kind OpKind, line string, origIdx int) {
		if len(ops) > 0 && ops[len(ops)-1].Kind == kind {
			ops[len(ops)-1].Lines = append(ops[len(ops)-1].Lines, line)
			return
		}
		ops = append(ops, Op{Kind: kind, Lines: []string{line}, OrigStart: origIdx})
	}

	for i < n && j < m {
		switch {
		case origLines[i] == revLines[j]:
			appendRun(OpEqual, origLines[i], offset+i)
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			appendRun(OpDelete, origLines[i], offset+i)
			i++
		default:
			appendRun(OpInsert, revLines[j], offset+i)
			j++
		}
	}
	for i < n {
		appendRun(OpDelete, origLines[i], offset+i)
		i++
	}
	for j < m {
		appendRun(OpInsert, revLines[j], offset+i)
		j++
	}

	return ops
}
