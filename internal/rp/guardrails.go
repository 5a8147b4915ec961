package rp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Fixed replies for the no-evidence path.
const (
	insufficientEvidenceReply = "未检索到明确证据，建议补充角色名、地点或更具体的事件关键词。"
	insufficientNextAction    = "当前知识库没有检索到足够证据支撑下一步建议，请补充角色、地点或章节范围后重试。"
	respondNoEvidenceReply    = "未检索到明确证据，请补充人物、地点或章节范围后重试。"
)

// FilterSpoilers drops scene candidates beyond the unlocked chapter.
// Chapter number 0 means unknown and is kept; profiles are never
// filtered. An unlocked chapter of 0 disables the boundary.
func FilterSpoilers(candidates []*Candidate, unlockedChapter int) []*Candidate {
	if unlockedChapter <= 0 {
		return candidates
	}
	filtered := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.SourceType != SourceScene || c.ChapterNo == 0 || c.ChapterNo <= unlockedChapter {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// HasEnoughEvidence requires at least one citation before a grounded
// reply is attempted.
func HasEnoughEvidence(citations []Citation) bool {
	return len(citations) > 0
}

// InsufficientEvidenceReply picks the refusal wording by intent.
func InsufficientEvidenceReply(intent string) string {
	if intent == IntentNextAction {
		return insufficientNextAction
	}
	return insufficientEvidenceReply
}

// GroundingSystemPrompt enforces citation-grounded response behavior.
func GroundingSystemPrompt() string {
	return "你是角色扮演剧情助手。\n" +
		"规则：\n" +
		"1) 只能基于给定 worldbook_context 里的 facts 和 character_state 回答。\n" +
		"2) 不得编造未在证据中出现的事实。\n" +
		"3) 重要断言必须引用来源。\n" +
		"4) 若证据不足，直接说明证据不足，并提出需要补充的信息。"
}

// ComposeGroundingPrompt embeds the worldbook JSON and the raw message.
func ComposeGroundingPrompt(message string, wb Worldbook) string {
	payload, err := json.Marshal(wb)
	if err != nil {
		payload = []byte("{}")
	}
	return fmt.Sprintf(
		"以下是检索到的 worldbook_context（JSON）：\n%s\n\n"+
			"请根据以上信息回复玩家，并在末尾附上 citations 数组中的关键来源。\n"+
			"玩家消息：%s",
		payload, message)
}

// AppendCitationFooter attaches a compact source footer when the model
// reply forgot to mention its sources.
func AppendCitationFooter(reply string, citations []Citation) string {
	if len(citations) == 0 {
		return reply
	}
	if strings.Contains(reply, "参考来源") || strings.Contains(strings.ToLower(reply), "citation") {
		return reply
	}

	shown := citations
	if len(shown) > 3 {
		shown = shown[:3]
	}
	var lines []string
	for _, item := range shown {
		chapter := item.Chapter
		if chapter == "" {
			chapter = "unknown"
		}
		if item.SceneIndex == nil {
			lines = append(lines, "- "+chapter)
		} else {
			lines = append(lines, fmt.Sprintf("- %s / scene %d", chapter, *item.SceneIndex))
		}
	}
	return reply + "\n\n参考来源:\n" + strings.Join(lines, "\n")
}

// FallbackReply builds a deterministic answer from up to three facts
// when the chat model is unavailable.
func FallbackReply(wb Worldbook) string {
	if len(wb.Facts) == 0 {
		return "当前没有足够证据支持回复，请提供更具体的问题。"
	}

	lines := []string{"根据当前证据："}
	facts := wb.Facts
	if len(facts) > 3 {
		facts = facts[:3]
	}
	for _, fact := range facts {
		source := fact.SourceChapter
		if source == "" {
			source = "unknown"
		}
		if fact.SourceScene != nil {
			source = fmt.Sprintf("%s / scene %d", source, *fact.SourceScene)
		}
		lines = append(lines, fmt.Sprintf("- %s（%s）", fact.FactText, source))
	}
	lines = append(lines, "如果你希望我继续推进剧情，请指定你要扮演的角色和当前目标。")
	return strings.Join(lines, "\n")
}
