package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"airp/internal/fuzzy"
	"airp/internal/providers"
	"airp/internal/textutil"
)

// SceneSplitter is stage 2: it asks the chat model for scene boundary
// markers, locates them in the chapter text and repairs coverage and
// length defects in the result.
type SceneSplitter struct {
	settings Settings
	chat     *providers.ChatClient
	logger   *slog.Logger
}

// NewSceneSplitter creates the stage 2 worker.
func NewSceneSplitter(settings Settings, chat *providers.ChatClient, logger *slog.Logger) *SceneSplitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SceneSplitter{settings: settings.withDefaults(), chat: chat, logger: logger}
}

// shouldSplit gates a chapter on its current status. Force and redo
// always pass; otherwise states at or past scenes_done are skipped so a
// rerun does not regress downstream work.
func shouldSplit(status string, force, redo bool) bool {
	if force || redo {
		return true
	}
	switch status {
	case StatusScenesDone, StatusAnnotatedDone, StatusVectorized:
		return false
	}
	return true
}

// Run splits every eligible chapter listed in the manifest. redoChapter
// restricts the run to one chapter (0 means all).
func (s *SceneSplitter) Run(ctx context.Context, chaptersDir, scenesDir string, force bool, redoChapter int) error {
	idx, err := LoadIndex(chaptersDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(scenesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create scenes dir: %w", err)
	}

	for _, ch := range idx.Chapters {
		if redoChapter > 0 && ch.ChapterID != ChapterIDForNo(redoChapter) {
			continue
		}
		if !shouldSplit(ch.Status, force, redoChapter > 0) {
			s.logger.Info("chapter already split, skipping", "chapter", ch.ChapterID)
			continue
		}

		doc, err := s.SplitChapter(ctx, filepath.Join(chaptersDir, ch.File), ch.ChapterID, ch.Title)
		if err != nil {
			s.logger.Error("scene split failed", "chapter", ch.ChapterID, "error", err)
			ch.Status = StatusScenesFailed
			continue
		}

		outFile := ch.ChapterID + "_scenes.json"
		if err := doc.Save(filepath.Join(scenesDir, outFile)); err != nil {
			ch.Status = StatusScenesFailed
			continue
		}
		ch.Status = StatusScenesDone
		ch.ScenesFile = outFile
		// Downstream outputs are stale after a re-split.
		ch.AnnotatedFile = ""
	}

	return idx.Save(chaptersDir)
}

type sceneMarker struct {
	StartMarker  string `json:"start_marker"`
	EndMarker    string `json:"end_marker"`
	SceneSummary string `json:"scene_summary"`
}

// SplitChapter splits one chapter file into scenes.
func (s *SceneSplitter) SplitChapter(ctx context.Context, chapterFile, chapterID, chapterTitle string) (*SceneDoc, error) {
	raw, err := os.ReadFile(chapterFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read chapter file: %w", err)
	}
	text, err := textutil.DecodeText(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chapter file: %w", err)
	}

	chapterLen := utf8.RuneCountInString(text)
	estimated := chapterLen / s.settings.SceneTargetLength
	if estimated < 1 {
		estimated = 1
	}
	s.logger.Info("splitting chapter into scenes",
		"chapter", chapterID, "chars", chapterLen, "estimated_scenes", estimated)

	markers := s.sceneMarkers(ctx, text, estimated)
	scenes := s.extractScenes(text, markers)

	coverage := sceneCoverage(text, scenes)
	if coverage < s.settings.CoverageThreshold {
		s.logger.Warn("scene coverage below threshold, filling gaps",
			"chapter", chapterID, "coverage", coverage)
		scenes = s.fillMissingSegments(text, scenes)
		coverage = sceneCoverage(text, scenes)
	}

	scenes = s.fixLengths(scenes)
	reindex(scenes)

	return &SceneDoc{
		SourceFile:   filepath.Base(chapterFile),
		ChapterID:    chapterID,
		ChapterTitle: chapterTitle,
		TotalScenes:  len(scenes),
		CoverageRate: coverage,
		Scenes:       scenes,
	}, nil
}

// sceneMarkers asks the chat model for an ordered marker list. A failed
// call falls back to the plain length-based splitter.
func (s *SceneSplitter) sceneMarkers(ctx context.Context, text string, estimated int) []sceneMarker {
	prompt := fmt.Sprintf(`请将以下章节文本按场景切分，返回每个场景的起止标记。

切分标准：
1. 地点变化
2. 时间跳跃
3. 人物组合变化
4. 事件转换

目标：每个场景约 %d 字，最少 %d 字，最多 %d 字。
预估需要切分成 %d 个左右的场景。

文本：
%s

返回 JSON 格式，包含 scenes 数组，每个场景包含：
- start_marker: 场景开头的一句原文（15-30字）
- end_marker: 场景结尾的一句原文（15-30字）
- scene_summary: 一句话概括场景内容`,
		s.settings.SceneTargetLength, s.settings.SceneMinLength, s.settings.SceneMaxLength,
		estimated, text)

	reply, err := s.chat.CallJSON(ctx, providers.ChatRequest{
		Prompt: prompt,
		Model:  s.settings.SplitModel,
	})
	if err != nil {
		s.logger.Error("scene marker call failed, using length fallback", "error", err)
		return s.fallbackSplitByLength(text)
	}

	var parsed struct {
		Scenes []sceneMarker `json:"scenes"`
	}
	if err := json.Unmarshal(reply, &parsed); err != nil || len(parsed.Scenes) == 0 {
		s.logger.Error("scene marker reply missing scenes array, using length fallback")
		return s.fallbackSplitByLength(text)
	}
	return parsed.Scenes
}

// fallbackSplitByLength cuts the text into target-length segments ending
// at sentence boundaries and derives markers from the segment edges.
func (s *SceneSplitter) fallbackSplitByLength(text string) []sceneMarker {
	runes := []rune(text)
	var markers []sceneMarker

	pos := 0
	for pos < len(runes) {
		next := pos + s.settings.SceneTargetLength
		if next >= len(runes) {
			next = len(runes)
		} else {
			next = textutil.FindSentenceEnd(runes, next)
		}
		if next <= pos {
			next = len(runes)
		}

		segment := string(runes[pos:next])
		var lines []string
		for _, l := range strings.Split(segment, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}

		var start, end string
		if len(lines) > 0 {
			start = headRunes(lines[0], 30)
			end = tailRunes(lines[len(lines)-1], 30)
		}
		markers = append(markers, sceneMarker{
			StartMarker:  start,
			EndMarker:    end,
			SceneSummary: fmt.Sprintf("场景片段 %d", len(markers)+1),
		})
		pos = next
	}

	s.logger.Warn("using fallback length split", "scenes", len(markers))
	return markers
}

// extractScenes locates each marker pair in the chapter text. A missing
// end marker borrows the next scene's start; a missing start drops the
// scene. Scene ends are extended to the nearest sentence boundary.
func (s *SceneSplitter) extractScenes(text string, markers []sceneMarker) []*Scene {
	runes := []rune(text)
	var scenes []*Scene

	for i, m := range markers {
		start, end := -1, -1

		if m.StartMarker != "" && m.EndMarker != "" {
			vs, ve, ok := fuzzy.MarkerOrder(text, m.StartMarker, m.EndMarker, fuzzy.DefaultThreshold)
			if ok {
				start, end = vs, ve
			}
		}
		if start == -1 {
			start = fuzzy.Find(text, m.StartMarker, fuzzy.DefaultThreshold)
		}
		if end == -1 {
			end = fuzzy.Find(text, m.EndMarker, fuzzy.DefaultThreshold)
		}

		if start == -1 {
			s.logger.Warn("start marker not found, dropping scene",
				"scene", i, "marker", textutil.Shorten(m.StartMarker, 50))
			continue
		}
		if end == -1 {
			s.logger.Warn("end marker not found", "scene", i, "marker", textutil.Shorten(m.EndMarker, 50))
			if i < len(markers)-1 {
				nextStart := fuzzy.Find(text, markers[i+1].StartMarker, fuzzy.DefaultThreshold)
				if nextStart == -1 {
					continue
				}
				end = nextStart - 1
			} else {
				end = len(runes)
			}
		}

		if start >= end {
			s.logger.Warn("marker positions out of order, dropping scene", "scene", i)
			continue
		}

		end = textutil.FindSentenceEnd(runes, end)
		sceneText := strings.TrimSpace(string(runes[start:end]))

		scenes = append(scenes, &Scene{
			SceneIndex:   len(scenes),
			Text:         sceneText,
			CharCount:    utf8.RuneCountInString(sceneText),
			SceneSummary: m.SceneSummary,
		})
	}
	return scenes
}

// sceneCoverage is the ratio of combined scene length to chapter length.
func sceneCoverage(text string, scenes []*Scene) float64 {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return 0
	}
	covered := 0
	for _, sc := range scenes {
		covered += utf8.RuneCountInString(sc.Text)
	}
	return float64(covered) / float64(total)
}

// fillMissingSegments re-anchors each scene in the chapter text and
// emits gaps longer than half the minimum scene length as additional
// scenes, interleaved at their text positions.
func (s *SceneSplitter) fillMissingSegments(text string, scenes []*Scene) []*Scene {
	runes := []rune(text)
	if len(scenes) == 0 {
		return []*Scene{{
			SceneIndex:   0,
			Text:         text,
			CharCount:    len(runes),
			SceneSummary: "完整章节",
		}}
	}

	type anchored struct {
		pos   int // rune offset
		scene *Scene
	}
	var positioned []anchored
	for _, sc := range scenes {
		probe := headRunes(sc.Text, 50)
		if idx := strings.Index(text, probe); idx != -1 {
			positioned = append(positioned, anchored{pos: utf8.RuneCountInString(text[:idx]), scene: sc})
		}
	}
	for i := 1; i < len(positioned); i++ {
		for j := i; j > 0 && positioned[j].pos < positioned[j-1].pos; j-- {
			positioned[j], positioned[j-1] = positioned[j-1], positioned[j]
		}
	}

	minGap := s.settings.SceneMinLength / 2
	var filled []*Scene
	appendGap := func(gap string) {
		gap = strings.TrimSpace(gap)
		if utf8.RuneCountInString(gap) > minGap {
			filled = append(filled, &Scene{
				SceneIndex:   len(filled),
				Text:         gap,
				CharCount:    utf8.RuneCountInString(gap),
				SceneSummary: fmt.Sprintf("补充片段 %d", len(filled)),
			})
		}
	}

	current := 0
	for _, a := range positioned {
		if a.pos > current+50 {
			appendGap(string(runes[current:a.pos]))
		}
		a.scene.SceneIndex = len(filled)
		filled = append(filled, a.scene)
		current = a.pos + utf8.RuneCountInString(a.scene.Text)
		if current > len(runes) {
			current = len(runes)
		}
	}
	if current < len(runes)-50 {
		appendGap(string(runes[current:]))
	}
	return filled
}

// fixLengths splits scenes over 1.5x the maximum at paragraph breaks and
// merges scenes under 0.5x the minimum into their predecessor.
func (s *SceneSplitter) fixLengths(scenes []*Scene) []*Scene {
	maxLen := s.settings.SceneMaxLength
	minLen := s.settings.SceneMinLength

	needsFix := false
	for _, sc := range scenes {
		if sc.CharCount > maxLen*3/2 || sc.CharCount*2 < minLen {
			needsFix = true
			break
		}
	}
	if !needsFix {
		return scenes
	}

	var fixed []*Scene
	for i, sc := range scenes {
		switch {
		case sc.CharCount > maxLen*3/2:
			s.logger.Warn("scene too long, splitting", "scene", i, "chars", sc.CharCount)
			fixed = append(fixed, s.splitLongScene(sc)...)
		case sc.CharCount*2 < minLen && i > 0 && i < len(scenes)-1 && len(fixed) > 0:
			s.logger.Warn("scene too short, merging with previous", "scene", i, "chars", sc.CharCount)
			prev := fixed[len(fixed)-1]
			prev.Text += "\n" + sc.Text
			prev.CharCount = utf8.RuneCountInString(prev.Text)
			prev.SceneSummary += "; " + sc.SceneSummary
		default:
			fixed = append(fixed, sc)
		}
	}

	reindex(fixed)
	return fixed
}

// splitLongScene cuts an oversized scene at paragraph boundaries aiming
// for the target length.
func (s *SceneSplitter) splitLongScene(sc *Scene) []*Scene {
	var paragraphs []string
	for _, p := range strings.Split(sc.Text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var subs []*Scene
	var current []string
	currentLen := 0
	flush := func() {
		if len(current) == 0 {
			return
		}
		text := strings.Join(current, "\n\n")
		subs = append(subs, &Scene{
			SceneIndex:   len(subs),
			Text:         text,
			CharCount:    utf8.RuneCountInString(text),
			SceneSummary: fmt.Sprintf("%s (部分%d)", sc.SceneSummary, len(subs)+1),
		})
		current = nil
		currentLen = 0
	}

	for _, para := range paragraphs {
		paraLen := utf8.RuneCountInString(para)
		if currentLen+paraLen > s.settings.SceneTargetLength && len(current) > 0 {
			flush()
		}
		current = append(current, para)
		currentLen += paraLen
	}
	flush()

	if len(subs) == 0 {
		return []*Scene{sc}
	}
	return subs
}

func reindex(scenes []*Scene) {
	for i, sc := range scenes {
		sc.SceneIndex = i
	}
}

func headRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[len(r)-n:]
	}
	return string(r)
}
