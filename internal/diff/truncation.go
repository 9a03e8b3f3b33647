// internal/diff/truncation.go
package diff

import (
	"strings"
	"unicode/utf8"
)

// 修订文本长度低于原文的这个比例时怀疑被截断
const truncationRatio = 0.4

// 句子终止符，用于判断文本是否在句中戛然而止
const sentenceTerminators = "。！？…!?.\"”』」）)"

// SuspectTruncated 判断修订文本是否疑似被上游截断:
// 相对原文过短，且结尾停在句子中间
func SuspectTruncated(original, revised string) bool {
	if original == "" || revised == "" {
		return false
	}
	if float64(len(revised)) >= float64(len(original))*truncationRatio {
		return false
	}
	return endsMidSentence(revised)
}

// StabilizeTail 截断修正启发式：将原文中疑似丢失的尾段重新拼接到修订文本后
// 返回修正后的文本以及是否实施了修正
//
// 这是一个猜测性修复，不是正确性保证——触发条件是启发式的，
// 可能掩盖真正有意的缩短，因此必须由调用方显式启用并记录警告
func StabilizeTail(original, revised string) (string, bool) {
	if !SuspectTruncated(original, revised) {
		return revised, false
	}

	// 用修订文本的最后一个非空行在原文中定位锚点，补回其后的原文尾段
	lines := SplitLines(strings.TrimRight(revised, "\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		anchor := strings.TrimSpace(lines[i])
		if anchor == "" {
			continue
		}
		if idx := strings.LastIndex(original, anchor); idx >= 0 {
			tail := original[idx+len(anchor):]
			if strings.TrimSpace(tail) == "" {
				return revised, false
			}
			return revised + tail, true
		}
		break
	}

	// 找不到锚点时，按修订长度在原文中的对应位置补回尾段，
	// 截断点对齐到下一个行边界以避免切在多字节字符中间
	cut := len(revised)
	if cut >= len(original) {
		return revised, false
	}
	if nl := strings.IndexByte(original[cut:], '\n'); nl >= 0 {
		cut += nl
	} else {
		return revised, false
	}

	tail := original[cut:]
	if strings.TrimSpace(tail) == "" {
		return revised, false
	}
	return revised + tail, true
}

// endsMidSentence 判断文本结尾是否不是一个完整句子
func endsMidSentence(text string) bool {
	trimmed := strings.TrimRight(text, " \t\n\r")
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return !strings.ContainsRune(sentenceTerminators, last)
}
