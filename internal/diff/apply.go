// internal/diff/apply.go
package diff

import (
	"strings"
)

// Decision 对一个 hunk 的评审决定
type Decision string

const (
	// DecisionPending 未决定，应用时等同于接受
	DecisionPending Decision = "pending"
	// DecisionAccepted 接受该 hunk 的变更
	DecisionAccepted Decision = "accepted"
	// DecisionRejected 拒绝该 hunk，恢复对应的原文行
	DecisionRejected Decision = "rejected"
)

// ApplyWithDecisions 按评审决定重建最终文本
// 接受的 hunk 按提议应用，拒绝的 hunk 恢复原文行，
// pending 视同接受——空决策集等价于"全部接受"
func ApplyWithDecisions(originalLines []string, ops []Op, decisions map[string]Decision) string {
	out := make([]string, 0, len(originalLines))

	for _, op := range ops {
		rejected := op.HunkID != "" && decisions[op.HunkID] == DecisionRejected

		switch op.Kind {
		case OpEqual:
			out = append(out, op.Lines...)
		case OpDelete:
			// 被拒绝的删除恢复原文行
			if rejected {
				out = append(out, op.Lines...)
			}
		case OpInsert:
			if !rejected {
				out = append(out, op.Lines...)
			}
		}
	}

	return strings.Join(out, "\n")
}

// AllResolved 判断是否所有 hunk 都已有明确决定（非 pending）
func AllResolved(hunks []Hunk, decisions map[string]Decision) bool {
	for _, hunk := range hunks {
		d, ok := decisions[hunk.ID]
		if !ok || d == DecisionPending {
			return false
		}
	}
	return true
}

// DefaultDecisions 为每个 hunk 生成默认决定（新建即接受）
func DefaultDecisions(hunks []Hunk) map[string]Decision {
	decisions := make(map[string]Decision, len(hunks))
	for _, hunk := range hunks {
		decisions[hunk.ID] = DecisionAccepted
	}
	return decisions
}
