package rp

import (
	"strings"
	"testing"
)

func TestFilterSpoilers(t *testing.T) {
	candidates := []*Candidate{
		{SourceType: SourceScene, SourceID: "early", ChapterNo: 2},
		{SourceType: SourceScene, SourceID: "late", ChapterNo: 9},
		{SourceType: SourceScene, SourceID: "unknown", ChapterNo: 0},
		{SourceType: SourceProfile, SourceID: "许七安", ChapterNo: 99},
	}

	filtered := FilterSpoilers(candidates, 5)
	ids := make([]string, 0, len(filtered))
	for _, c := range filtered {
		ids = append(ids, c.SourceID)
	}
	want := []string{"early", "unknown", "许七安"}
	if len(ids) != len(want) {
		t.Fatalf("kept %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("kept %v, want %v", ids, want)
		}
	}

	// Boundary disabled: everything passes untouched.
	if got := FilterSpoilers(candidates, 0); len(got) != len(candidates) {
		t.Fatalf("unlocked=0 filtered to %d candidates", len(got))
	}

	// Boundary equal to chapter keeps it.
	if got := FilterSpoilers(candidates, 9); len(got) != 4 {
		t.Fatalf("unlocked=9 filtered to %d candidates", len(got))
	}
}

func TestInsufficientEvidenceReply(t *testing.T) {
	if got := InsufficientEvidenceReply(IntentNextAction); got != insufficientNextAction {
		t.Fatalf("next-action reply = %q", got)
	}
	if got := InsufficientEvidenceReply(IntentStoryRecap); got != insufficientEvidenceReply {
		t.Fatalf("default reply = %q", got)
	}
}

func TestAppendCitationFooter(t *testing.T) {
	scene := 2
	citations := []Citation{
		{SourceType: SourceScene, Chapter: "chapter_0001", SceneIndex: &scene},
		{SourceType: SourceProfile, SourceID: "许七安"},
		{SourceType: SourceScene, Chapter: "chapter_0003", SceneIndex: &scene},
		{SourceType: SourceScene, Chapter: "chapter_0004", SceneIndex: &scene},
	}

	got := AppendCitationFooter("回答正文。", citations)
	if !strings.Contains(got, "参考来源:") {
		t.Fatalf("footer missing: %q", got)
	}
	if !strings.Contains(got, "- chapter_0001 / scene 2") {
		t.Fatalf("scene line missing: %q", got)
	}
	if !strings.Contains(got, "- unknown") {
		t.Fatalf("profile line should fall back to unknown: %q", got)
	}
	if strings.Contains(got, "chapter_0004") {
		t.Fatalf("footer must cap at three sources: %q", got)
	}

	// A reply that already cites keeps its own footer.
	already := "回答正文。\n\n参考来源:\n- chapter_0009"
	if got := AppendCitationFooter(already, citations); got != already {
		t.Fatalf("existing footer replaced: %q", got)
	}
	english := "Answer with Citations: [1]"
	if got := AppendCitationFooter(english, citations); got != english {
		t.Fatalf("english citation marker ignored: %q", got)
	}

	if got := AppendCitationFooter("裸回答", nil); got != "裸回答" {
		t.Fatalf("no citations should leave reply alone: %q", got)
	}
}

func TestFallbackReply(t *testing.T) {
	scene := 1
	wb := Worldbook{
		Facts: []Fact{
			{FactText: "许七安当堂辩冤", SourceChapter: "chapter_0001", SourceScene: &scene},
			{FactText: "朱县令收押嫌犯", SourceChapter: "chapter_0001"},
			{FactText: "银锣到场", SourceChapter: "chapter_0002", SourceScene: &scene},
			{FactText: "多余事实", SourceChapter: "chapter_0003"},
		},
	}

	got := FallbackReply(wb)
	if !strings.HasPrefix(got, "根据当前证据：") {
		t.Fatalf("missing header: %q", got)
	}
	if !strings.Contains(got, "- 许七安当堂辩冤（chapter_0001 / scene 1）") {
		t.Fatalf("fact line wrong: %q", got)
	}
	if !strings.Contains(got, "- 朱县令收押嫌犯（chapter_0001）") {
		t.Fatalf("chapter-only fact line wrong: %q", got)
	}
	if strings.Contains(got, "多余事实") {
		t.Fatalf("fallback must cap at three facts: %q", got)
	}

	empty := FallbackReply(Worldbook{})
	if !strings.Contains(empty, "没有足够证据") {
		t.Fatalf("empty worldbook reply = %q", empty)
	}
}

func TestGroundingPrompts(t *testing.T) {
	sys := GroundingSystemPrompt()
	if !strings.Contains(sys, "worldbook_context") || !strings.Contains(sys, "不得编造") {
		t.Fatalf("system prompt missing grounding rules: %q", sys)
	}

	wb := Worldbook{Facts: []Fact{{FactText: "测试事实", SourceChapter: "chapter_0001"}}}
	prompt := ComposeGroundingPrompt("你好", wb)
	if !strings.Contains(prompt, "测试事实") {
		t.Fatalf("prompt missing worldbook payload: %q", prompt)
	}
	if !strings.Contains(prompt, "玩家消息：你好") {
		t.Fatalf("prompt missing player message: %q", prompt)
	}
}
