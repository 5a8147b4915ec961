package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScenesFixture(t *testing.T, scenes []*Scene) (chaptersDir, scenesDir, annotatedDir string) {
	t.Helper()
	dir := t.TempDir()
	chaptersDir = filepath.Join(dir, "chapters")
	scenesDir = filepath.Join(dir, "scenes")
	annotatedDir = filepath.Join(dir, "annotated")
	for _, d := range []string{chaptersDir, scenesDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	doc := &SceneDoc{
		SourceFile:   "chapter_0001.txt",
		ChapterID:    "chapter_0001",
		ChapterTitle: "第一章",
		TotalScenes:  len(scenes),
		Scenes:       scenes,
	}
	if err := doc.Save(filepath.Join(scenesDir, "chapter_0001_scenes.json")); err != nil {
		t.Fatal(err)
	}

	idx := &Index{
		SourceFile:    "source.txt",
		TotalChapters: 1,
		Chapters: []*ChapterInfo{
			{
				ChapterID:  "chapter_0001",
				File:       "chapter_0001.txt",
				Title:      "第一章",
				Status:     StatusScenesDone,
				ScenesFile: "chapter_0001_scenes.json",
			},
		},
	}
	if err := idx.Save(chaptersDir); err != nil {
		t.Fatal(err)
	}
	return chaptersDir, scenesDir, annotatedDir
}

func metadataJSON(t *testing.T, meta SceneMetadata) string {
	t.Helper()
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

var annotateSettings = Settings{
	AnnotationBatchSize: 2,
	ShortSceneThreshold: 10, // scenes below this stay on the individual path
	Concurrency:         2,
}

func TestAnnotateRun(t *testing.T) {
	scenes := []*Scene{
		{SceneIndex: 0, Text: strings.Repeat("牢房场景。", 20), CharCount: 100, SceneSummary: "牢中"},
		{SceneIndex: 1, Text: strings.Repeat("公堂场景。", 20), CharCount: 100, SceneSummary: "公堂"},
	}

	model := newFakeModel(t, 4, func(prompt string) (string, bool) {
		switch {
		case strings.Contains(prompt, "归一化"):
			return `{"许七安": ["许七安", "宁宴"], "朱县令": ["朱县令"]}`, true
		case strings.Contains(prompt, "牢房场景"):
			return metadataJSON(t, SceneMetadata{
				Characters:       []string{"宁宴"},
				Location:         "牢房",
				EventSummary:     "宁宴在牢中思索脱身之策",
				PlotSignificance: "high",
			}), true
		case strings.Contains(prompt, "公堂场景"):
			return metadataJSON(t, SceneMetadata{
				Characters:       []string{"许七安", "宁宴", "朱县令"},
				Location:         "公堂",
				EventSummary:     "县令升堂问案",
				PlotSignificance: "medium",
			}), true
		default:
			t.Errorf("unexpected prompt: %.60s", prompt)
			return "", false
		}
	})

	chaptersDir, scenesDir, annotatedDir := writeScenesFixture(t, scenes)
	annotator := NewAnnotator(annotateSettings, model.chatConfig(), nil)
	if err := annotator.Run(context.Background(), chaptersDir, scenesDir, annotatedDir, false, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	idx, _ := LoadIndex(chaptersDir)
	ch := idx.Chapters[0]
	if ch.Status != StatusAnnotatedDone {
		t.Fatalf("status = %q", ch.Status)
	}
	if ch.AnnotatedFile != "chapter_0001_annotated.json" {
		t.Errorf("annotated file = %q", ch.AnnotatedFile)
	}

	doc, err := LoadSceneDoc(filepath.Join(annotatedDir, ch.AnnotatedFile))
	if err != nil {
		t.Fatalf("LoadSceneDoc: %v", err)
	}

	// Alias 宁宴 resolves to 许七安, and the duplicate pair in scene 1
	// collapses while keeping first-occurrence order.
	if got := doc.Scenes[0].Metadata.Characters; len(got) != 1 || got[0] != "许七安" {
		t.Errorf("scene 0 characters = %v", got)
	}
	if got := doc.Scenes[1].Metadata.Characters; len(got) != 2 || got[0] != "许七安" || got[1] != "朱县令" {
		t.Errorf("scene 1 characters = %v", got)
	}

	nameMap, err := LoadNameMap(annotatedDir)
	if err != nil {
		t.Fatalf("LoadNameMap: %v", err)
	}
	if len(nameMap["许七安"]) != 2 {
		t.Errorf("name map = %v", nameMap)
	}
}

func TestAnnotateDefaultsOnModelFailure(t *testing.T) {
	scenes := []*Scene{
		{SceneIndex: 0, Text: strings.Repeat("一段文字。", 30), CharCount: 150, SceneSummary: "片段"},
	}

	model := newFakeModel(t, 4, func(string) (string, bool) { return "", false })

	chaptersDir, scenesDir, annotatedDir := writeScenesFixture(t, scenes)
	annotator := NewAnnotator(annotateSettings, model.chatConfig(), nil)
	if err := annotator.Run(context.Background(), chaptersDir, scenesDir, annotatedDir, false, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	idx, _ := LoadIndex(chaptersDir)
	if idx.Chapters[0].Status != StatusAnnotatedDone {
		t.Fatalf("status = %q (defaults should keep the chapter going)", idx.Chapters[0].Status)
	}

	doc, _ := LoadSceneDoc(filepath.Join(annotatedDir, idx.Chapters[0].AnnotatedFile))
	meta := doc.Scenes[0].Metadata
	if meta == nil {
		t.Fatal("no metadata")
	}
	if meta.Location != "未知" || meta.EmotionTone != "中性" || meta.PlotSignificance != "medium" {
		t.Errorf("defaults = %+v", meta)
	}
}

func TestAnnotateCombinedShortBatch(t *testing.T) {
	scenes := []*Scene{
		{SceneIndex: 0, Text: "甲说了一句。", CharCount: 6, SceneSummary: "一"},
		{SceneIndex: 1, Text: "乙答了一句。", CharCount: 6, SceneSummary: "二"},
	}

	var combinedCalls int
	model := newFakeModel(t, 4, func(prompt string) (string, bool) {
		switch {
		case strings.Contains(prompt, "分别提取元数据"):
			combinedCalls++
			return `{"scenes": [
				{"characters": ["甲"], "location": "堂屋", "event_summary": "甲开口", "plot_significance": "low"},
				{"characters": ["乙"], "location": "堂屋", "event_summary": "乙作答", "plot_significance": "low"}
			]}`, true
		case strings.Contains(prompt, "归一化"):
			return `{"甲": ["甲"], "乙": ["乙"]}`, true
		default:
			t.Errorf("unexpected prompt: %.60s", prompt)
			return "", false
		}
	})

	settings := annotateSettings
	settings.ShortSceneThreshold = 100
	chaptersDir, scenesDir, annotatedDir := writeScenesFixture(t, scenes)
	annotator := NewAnnotator(settings, model.chatConfig(), nil)
	if err := annotator.Run(context.Background(), chaptersDir, scenesDir, annotatedDir, false, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if combinedCalls != 1 {
		t.Errorf("combined calls = %d, want 1", combinedCalls)
	}

	idx, _ := LoadIndex(chaptersDir)
	doc, _ := LoadSceneDoc(filepath.Join(annotatedDir, idx.Chapters[0].AnnotatedFile))
	if doc.Scenes[0].Metadata.Characters[0] != "甲" || doc.Scenes[1].Metadata.Characters[0] != "乙" {
		t.Errorf("combined annotations misassigned: %+v, %+v", doc.Scenes[0].Metadata, doc.Scenes[1].Metadata)
	}
	// Optional fields picked up defaults.
	if doc.Scenes[0].Metadata.EmotionTone != "中性" {
		t.Errorf("emotion tone = %q", doc.Scenes[0].Metadata.EmotionTone)
	}
}

func TestAnnotateCombinedNullScene(t *testing.T) {
	scenes := []*Scene{
		{SceneIndex: 0, Text: "甲说了一句。", CharCount: 6, SceneSummary: "一"},
		{SceneIndex: 1, Text: "乙答了一句。", CharCount: 6, SceneSummary: "二"},
	}

	// Valid JSON, right count, but one element is null.
	model := newFakeModel(t, 4, func(prompt string) (string, bool) {
		switch {
		case strings.Contains(prompt, "分别提取元数据"):
			return `{"scenes": [
				{"characters": ["甲"], "location": "堂屋", "event_summary": "甲开口", "plot_significance": "low"},
				null
			]}`, true
		case strings.Contains(prompt, "归一化"):
			return `{"甲": ["甲"]}`, true
		default:
			t.Errorf("unexpected prompt: %.60s", prompt)
			return "", false
		}
	})

	settings := annotateSettings
	settings.ShortSceneThreshold = 100
	chaptersDir, scenesDir, annotatedDir := writeScenesFixture(t, scenes)
	annotator := NewAnnotator(settings, model.chatConfig(), nil)
	if err := annotator.Run(context.Background(), chaptersDir, scenesDir, annotatedDir, false, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	idx, _ := LoadIndex(chaptersDir)
	if idx.Chapters[0].Status != StatusAnnotatedDone {
		t.Fatalf("status = %q", idx.Chapters[0].Status)
	}

	doc, _ := LoadSceneDoc(filepath.Join(annotatedDir, idx.Chapters[0].AnnotatedFile))
	if doc.Scenes[0].Metadata.Characters[0] != "甲" {
		t.Errorf("scene 0 metadata = %+v", doc.Scenes[0].Metadata)
	}
	meta := doc.Scenes[1].Metadata
	if meta == nil {
		t.Fatal("null scene element left no metadata")
	}
	if meta.Location != "未知" || meta.EmotionTone != "中性" || meta.PlotSignificance != "medium" {
		t.Errorf("null scene defaults = %+v", meta)
	}
}

func TestAnnotateStatusGate(t *testing.T) {
	tests := []struct {
		status string
		force  bool
		redo   bool
		want   bool
	}{
		{StatusScenesDone, false, false, true},
		{StatusPending, false, false, false},
		{StatusAnnotatedDone, false, false, false},
		{StatusAnnotatedDone, true, false, true},
		{StatusVectorized, false, true, true},
		{StatusPending, true, false, false},
	}
	for _, tt := range tests {
		if got := shouldAnnotate(tt.status, tt.force, tt.redo); got != tt.want {
			t.Errorf("shouldAnnotate(%q, force=%v, redo=%v) = %v", tt.status, tt.force, tt.redo, got)
		}
	}
}

func TestCanonicalName(t *testing.T) {
	nameMap := map[string][]string{
		"贾宝玉": {"宝玉", "宝二爷", "贾宝玉"},
		"林黛玉": {"黛玉", "林姑娘"},
	}
	tests := map[string]string{
		"贾宝玉": "贾宝玉", // canonical passes through
		"宝二爷": "贾宝玉",
		"黛玉":  "林黛玉",
		"薛宝钗": "薛宝钗", // unknown kept as-is
	}
	for in, want := range tests {
		if got := CanonicalName(in, nameMap); got != want {
			t.Errorf("CanonicalName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFillDefaultMetadata(t *testing.T) {
	meta := &SceneMetadata{
		Characters:       []string{"许七安"},
		EventSummary:     "审案",
		PlotSignificance: "极高",
	}
	fillDefaultMetadata(meta)
	if meta.Location != "未知" || meta.TimeDescription != "未知" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.PlotSignificance != "medium" {
		t.Errorf("invalid significance not defaulted: %q", meta.PlotSignificance)
	}
	if meta.Characters[0] != "许七安" || meta.EventSummary != "审案" {
		t.Errorf("filled fields overwrote values: %+v", meta)
	}
}

func TestValidateMetadata(t *testing.T) {
	ok := json.RawMessage(`{"characters":["甲"],"location":"堂屋","event_summary":"问话","plot_significance":"low"}`)
	if err := validateMetadata(ok); err != nil {
		t.Errorf("valid metadata rejected: %v", err)
	}
	for name, bad := range map[string]string{
		"missing characters": `{"location":"堂屋","event_summary":"问话","plot_significance":"low"}`,
		"empty characters":   `{"characters":[],"location":"堂屋","event_summary":"问话","plot_significance":"low"}`,
		"bad significance":   `{"characters":["甲"],"location":"堂屋","event_summary":"问话","plot_significance":"究极"}`,
	} {
		if err := validateMetadata(json.RawMessage(bad)); err == nil {
			t.Errorf("%s accepted", name)
		}
	}
}
