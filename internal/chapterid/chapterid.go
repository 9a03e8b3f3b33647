// internal/chapterid/chapterid.go
package chapterid

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// 章节 ID 支持的格式:
// - 正文: C0, C1, C2, ... C999
// - 番外: C3E1, C3E2 (第3章后的番外)
// - 幕间: C2I1, C2I2 (第2章后的幕间)
// - 分卷: V1C1, V2C5 (可选)
var pattern = regexp.MustCompile(`^(?:V(\d+))?C(\d+)(?:([EI])(\d+))?$`)

// Parts 章节ID解析后的各个组件
type Parts struct {
	Volume  int    // 卷号，无卷时为 0
	Chapter int    // 章节号
	Type    string // "E"(番外)、"I"(幕间) 或空
	Seq     int    // 番外/幕间序号
}

// Validate 验证章节ID格式是否有效
func Validate(id string) bool {
	if id == "" {
		return false
	}
	return pattern.MatchString(id)
}

// Parse 解析章节ID为各个组件，无效时返回 false
func Parse(id string) (Parts, bool) {
	match := pattern.FindStringSubmatch(id)
	if match == nil {
		return Parts{}, false
	}

	parts := Parts{}
	if match[1] != "" {
		parts.Volume, _ = strconv.Atoi(match[1])
	}
	parts.Chapter, _ = strconv.Atoi(match[2])
	parts.Type = match[3]
	if match[4] != "" {
		parts.Seq, _ = strconv.Atoi(match[4])
	}
	return parts, true
}

// Weight 计算章节排序权重
// 基础分 = 卷号 * 1000 + 章节号；番外/幕间在章节后 +0.1 * 序号
// 无效ID返回 0
func Weight(id string) float64 {
	parts, ok := Parse(id)
	if !ok {
		return 0
	}

	base := float64(parts.Volume*1000 + parts.Chapter)
	if parts.Type != "" && parts.Seq > 0 {
		base += 0.1 * float64(parts.Seq)
	}
	return base
}

// Sort 对章节ID列表按叙事顺序排序（原地排序并返回）
func Sort(ids []string) []string {
	sort.SliceStable(ids, func(i, j int) bool {
		return Weight(ids[i]) < Weight(ids[j])
	})
	return ids
}

// SuggestNext 根据现有章节建议下一个ID
// chapterType 取 "normal"、"extra" 或 "interlude"
// insertAfter 仅对 extra/interlude 有效，表示插入位置
func SuggestNext(existing []string, chapterType string, insertAfter string) string {
	switch chapterType {
	case "normal":
		maxChapter := 0
		for _, id := range existing {
			parts, ok := Parse(id)
			if ok && parts.Type == "" && parts.Chapter > maxChapter {
				// 只看正文章节
				maxChapter = parts.Chapter
			}
		}
		return fmt.Sprintf("C%d", maxChapter+1)

	case "extra", "interlude":
		if insertAfter == "" {
			return ""
		}

		typeCode := "E"
		if chapterType == "interlude" {
			typeCode = "I"
		}

		// 统计该章节后已有多少个同类型章节
		maxSeq := 0
		for _, id := range existing {
			if !strings.HasPrefix(id, insertAfter) {
				continue
			}
			parts, ok := Parse(id)
			if ok && parts.Type == typeCode && parts.Seq > maxSeq {
				maxSeq = parts.Seq
			}
		}
		return fmt.Sprintf("%s%s%d", insertAfter, typeCode, maxSeq+1)
	}

	return ""
}

// TypeLabel 获取章节类型的中文标签
func TypeLabel(id string) string {
	parts, ok := Parse(id)
	if !ok {
		return "未知"
	}

	switch parts.Type {
	case "":
		if parts.Chapter == 0 {
			return "序章"
		}
		if parts.Chapter == 999 {
			return "尾声"
		}
		return "正文"
	case "E":
		return "番外"
	case "I":
		return "幕间"
	}
	return "未知"
}
