package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"airp/internal/providers"
)

// metadataSchema gates model-produced scene metadata before it is
// trusted; failing documents get defaults filled in instead.
var metadataSchema = jsonschema.MustCompileString("scene_metadata.json", `{
  "type": "object",
  "required": ["characters", "location", "event_summary", "plot_significance"],
  "properties": {
    "characters": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "location": {"type": "string", "minLength": 1},
    "time_description": {"type": "string"},
    "event_summary": {"type": "string", "minLength": 1},
    "emotion_tone": {"type": "string"},
    "key_dialogues": {"type": "array", "items": {"type": "string"}},
    "character_relations": {"type": "array", "items": {"type": "string"}},
    "plot_significance": {"enum": ["high", "medium", "low"]}
  }
}`)

// Annotator is stage 3: it extracts per-scene metadata with the chat
// model and canonicalises character names across the chapter.
type Annotator struct {
	settings Settings
	chatCfg  providers.ChatConfig
	chat     *providers.ChatClient
	logger   *slog.Logger
}

// NewAnnotator creates the stage 3 worker. Concurrent scene workers get
// their own client built from chatCfg; the shared pacer keyed on the
// endpoint keeps them collectively within the rate limit.
func NewAnnotator(settings Settings, chatCfg providers.ChatConfig, logger *slog.Logger) *Annotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Annotator{
		settings: settings.withDefaults(),
		chatCfg:  chatCfg,
		chat:     providers.NewChatClient(chatCfg),
		logger:   logger,
	}
}

// shouldAnnotate gates a chapter on its status.
func shouldAnnotate(status string, force, redo bool) bool {
	if force || redo {
		switch status {
		case StatusScenesDone, StatusAnnotatedDone, StatusAnnotationFailed,
			StatusVectorized, StatusVectorizeFailed:
			return true
		}
		return false
	}
	return status == StatusScenesDone
}

// Run annotates every eligible chapter listed in the manifest.
func (a *Annotator) Run(ctx context.Context, chaptersDir, scenesDir, annotatedDir string, force bool, redoChapter int) error {
	idx, err := LoadIndex(chaptersDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(annotatedDir, 0o755); err != nil {
		return fmt.Errorf("failed to create annotated dir: %w", err)
	}

	for _, ch := range idx.Chapters {
		if redoChapter > 0 && ch.ChapterID != ChapterIDForNo(redoChapter) {
			continue
		}
		if !shouldAnnotate(ch.Status, force, redoChapter > 0) {
			if ch.Status == StatusAnnotatedDone || ch.Status == StatusVectorized {
				a.logger.Info("chapter already annotated, skipping", "chapter", ch.ChapterID)
			} else {
				a.logger.Warn("chapter scenes not ready, skipping", "chapter", ch.ChapterID)
			}
			continue
		}

		scenesFile := filepath.Join(scenesDir, ch.ScenesFile)
		if ch.ScenesFile == "" {
			a.logger.Error("chapter has no scenes file", "chapter", ch.ChapterID)
			continue
		}

		outFile, err := a.AnnotateChapter(ctx, scenesFile, ch.ChapterID, annotatedDir)
		if err != nil {
			a.logger.Error("annotation failed", "chapter", ch.ChapterID, "error", err)
			ch.Status = StatusAnnotationFailed
			continue
		}
		ch.Status = StatusAnnotatedDone
		ch.AnnotatedFile = filepath.Base(outFile)
	}

	return idx.Save(chaptersDir)
}

// AnnotateChapter annotates all scenes of one chapter and writes the
// annotated scenes file. Scene order in the output matches the input
// regardless of worker completion order.
func (a *Annotator) AnnotateChapter(ctx context.Context, scenesFile, chapterID, annotatedDir string) (string, error) {
	doc, err := LoadSceneDoc(scenesFile)
	if err != nil {
		return "", err
	}
	a.logger.Info("annotating chapter", "chapter", chapterID, "scenes", len(doc.Scenes))

	batchSize := a.settings.AnnotationBatchSize
	for i := 0; i < len(doc.Scenes); i += batchSize {
		end := i + batchSize
		if end > len(doc.Scenes) {
			end = len(doc.Scenes)
		}
		batch := doc.Scenes[i:end]
		annotations := a.annotateBatch(ctx, batch)
		for j, sc := range batch {
			sc.Metadata = annotations[j]
		}
	}

	a.normalizeCharacterNames(ctx, doc.Scenes, annotatedDir)

	outFile := filepath.Join(annotatedDir, chapterID+"_annotated.json")
	if err := doc.Save(outFile); err != nil {
		return "", err
	}
	return outFile, nil
}

// annotateBatch annotates one batch. Short scenes are combined into a
// single prompt; otherwise scenes go out individually through a bounded
// worker pool.
func (a *Annotator) annotateBatch(ctx context.Context, batch []*Scene) []*SceneMetadata {
	totalChars := 0
	for _, sc := range batch {
		totalChars += sc.CharCount
	}

	if len(batch) > 1 && totalChars < a.settings.ShortSceneThreshold*len(batch) {
		return a.annotateBatchCombined(ctx, batch)
	}

	results := make([]*SceneMetadata, len(batch))
	if a.settings.Concurrency <= 1 {
		for i, sc := range batch {
			results[i] = a.annotateSingle(ctx, a.chat, sc)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.settings.Concurrency)
	for i, sc := range batch {
		g.Go(func() error {
			worker := providers.NewChatClient(a.chatCfg)
			results[i] = a.annotateSingle(gctx, worker, sc)
			return nil
		})
	}
	// Workers never return errors; failures degrade to default metadata.
	g.Wait()
	return results
}

func (a *Annotator) annotateSingle(ctx context.Context, chat *providers.ChatClient, sc *Scene) *SceneMetadata {
	prompt := fmt.Sprintf(`请为以下场景片段提取元数据，返回 JSON 格式。

场景文本：
%s

需要提取的字段：
- characters: 出场人物名单（数组，使用全名）
- location: 地点
- time_description: 时间描述
- event_summary: 一句话事件概括
- emotion_tone: 情感基调（如：欢快、悲伤、紧张、平静等）
- key_dialogues: 重要对白原文（数组，1-3句）
- character_relations: 人物关系描述（数组，如"张三与李四是师徒关系"）
- plot_significance: 情节重要性（high/medium/low）`, sc.Text)

	reply, err := chat.CallJSON(ctx, providers.ChatRequest{
		Prompt: prompt,
		Model:  a.settings.AnnotateModel,
	})
	if err != nil {
		a.logger.Error("scene annotation failed", "scene", sc.SceneIndex, "error", err)
		return defaultMetadata()
	}

	var meta SceneMetadata
	if err := json.Unmarshal(reply, &meta); err != nil {
		a.logger.Error("scene annotation not decodable", "scene", sc.SceneIndex, "error", err)
		return defaultMetadata()
	}

	if err := validateMetadata(reply); err != nil {
		a.logger.Warn("scene metadata failed validation, filling defaults",
			"scene", sc.SceneIndex, "error", err)
		fillDefaultMetadata(&meta)
	}
	return &meta
}

// annotateBatchCombined sends several short scenes in one prompt. A
// malformed reply falls back to per-scene annotation.
func (a *Annotator) annotateBatchCombined(ctx context.Context, batch []*Scene) []*SceneMetadata {
	var sb strings.Builder
	for i, sc := range batch {
		fmt.Fprintf(&sb, "\n\n=== 场景 %d ===\n%s", i+1, sc.Text)
	}

	prompt := fmt.Sprintf(`请为以下 %d 个场景片段分别提取元数据，返回 JSON 格式。

场景文本：
%s

返回格式为包含 scenes 数组的 JSON，每个场景包含：
- characters: 出场人物名单（数组）
- location: 地点
- time_description: 时间描述
- event_summary: 一句话事件概括
- emotion_tone: 情感基调
- key_dialogues: 重要对白（数组）
- character_relations: 人物关系（数组）
- plot_significance: high/medium/low`, len(batch), sb.String())

	fallback := func() []*SceneMetadata {
		results := make([]*SceneMetadata, len(batch))
		for i, sc := range batch {
			results[i] = a.annotateSingle(ctx, a.chat, sc)
		}
		return results
	}

	reply, err := a.chat.CallJSON(ctx, providers.ChatRequest{
		Prompt: prompt,
		Model:  a.settings.AnnotateModel,
	})
	if err != nil {
		a.logger.Error("combined annotation failed, annotating individually", "error", err)
		return fallback()
	}

	var parsed struct {
		Scenes []*SceneMetadata `json:"scenes"`
	}
	if err := json.Unmarshal(reply, &parsed); err != nil || len(parsed.Scenes) != len(batch) {
		a.logger.Warn("combined annotation shape mismatch, annotating individually")
		return fallback()
	}

	for i, meta := range parsed.Scenes {
		if meta == nil {
			parsed.Scenes[i] = defaultMetadata()
			continue
		}
		fillDefaultMetadata(meta)
	}
	return parsed.Scenes
}

// normalizeCharacterNames asks the model for a canonicalisation map over
// every character seen in the chapter and rewrites scene character lists
// through it, deduplicating while preserving first occurrence.
func (a *Annotator) normalizeCharacterNames(ctx context.Context, scenes []*Scene, annotatedDir string) {
	seen := make(map[string]struct{})
	var all []string
	for _, sc := range scenes {
		if sc.Metadata == nil {
			continue
		}
		for _, c := range sc.Metadata.Characters {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				all = append(all, c)
			}
		}
	}
	if len(all) == 0 {
		return
	}

	nameMap := a.generateNameMap(ctx, all, annotatedDir)

	for _, sc := range scenes {
		if sc.Metadata == nil {
			continue
		}
		var normalized []string
		used := make(map[string]struct{})
		for _, c := range sc.Metadata.Characters {
			canonical := CanonicalName(c, nameMap)
			if _, ok := used[canonical]; !ok {
				used[canonical] = struct{}{}
				normalized = append(normalized, canonical)
			}
		}
		sc.Metadata.Characters = normalized
	}
}

// generateNameMap calls the model for {canonical: [aliases]} and
// persists it next to the annotated chapters. A failed call degrades to
// the identity map.
func (a *Annotator) generateNameMap(ctx context.Context, characters []string, annotatedDir string) map[string][]string {
	identity := func() map[string][]string {
		m := make(map[string][]string, len(characters))
		for _, c := range characters {
			m[c] = []string{c}
		}
		return m
	}

	encoded, err := json.Marshal(characters)
	if err != nil {
		return identity()
	}

	prompt := fmt.Sprintf(`以下是从小说中提取的人物名称列表，请将它们归一化，把同一个人物的不同称呼合并。

人物名称：
%s

返回 JSON 格式的映射表，键是规范全名，值是该人物的所有别名/简称的数组。`, encoded)

	reply, err := a.chat.CallJSON(ctx, providers.ChatRequest{
		Prompt: prompt,
		Model:  a.settings.AnnotateModel,
	})
	if err != nil {
		a.logger.Error("name map call failed, using identity map", "error", err)
		return identity()
	}

	var nameMap map[string][]string
	if err := json.Unmarshal(reply, &nameMap); err != nil || len(nameMap) == 0 {
		a.logger.Error("name map reply not decodable, using identity map")
		return identity()
	}

	if err := SaveNameMap(annotatedDir, nameMap); err != nil {
		a.logger.Warn("failed to persist character name map", "error", err)
	}
	return nameMap
}

// CanonicalName resolves a character name through the name map: an
// existing canonical key wins, then an alias lookup; unknown names pass
// through unchanged.
func CanonicalName(name string, nameMap map[string][]string) string {
	if _, ok := nameMap[name]; ok {
		return name
	}
	for canonical, aliases := range nameMap {
		for _, alias := range aliases {
			if alias == name {
				return canonical
			}
		}
	}
	return name
}

// SaveNameMap persists the canonicalisation map for the retrieval layer.
func SaveNameMap(annotatedDir string, nameMap map[string][]string) error {
	data, err := json.MarshalIndent(nameMap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode name map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(annotatedDir, NameMapFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write name map: %w", err)
	}
	return nil
}

// LoadNameMap reads the persisted canonicalisation map; a missing file
// yields an empty map.
func LoadNameMap(annotatedDir string) (map[string][]string, error) {
	raw, err := os.ReadFile(filepath.Join(annotatedDir, NameMapFileName))
	if os.IsNotExist(err) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read name map: %w", err)
	}
	var nameMap map[string][]string
	if err := json.Unmarshal(raw, &nameMap); err != nil {
		return nil, fmt.Errorf("failed to parse name map: %w", err)
	}
	return nameMap, nil
}

func validateMetadata(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return metadataSchema.Validate(doc)
}

func defaultMetadata() *SceneMetadata {
	meta := &SceneMetadata{}
	fillDefaultMetadata(meta)
	return meta
}

// fillDefaultMetadata replaces empty fields with neutral defaults so
// downstream stages always see a complete record.
func fillDefaultMetadata(meta *SceneMetadata) {
	if len(meta.Characters) == 0 {
		meta.Characters = []string{}
	}
	if meta.Location == "" {
		meta.Location = "未知"
	}
	if meta.TimeDescription == "" {
		meta.TimeDescription = "未知"
	}
	if meta.EventSummary == "" {
		meta.EventSummary = "场景描述"
	}
	if meta.EmotionTone == "" {
		meta.EmotionTone = "中性"
	}
	if meta.KeyDialogues == nil {
		meta.KeyDialogues = []string{}
	}
	if meta.CharacterRelations == nil {
		meta.CharacterRelations = []string{}
	}
	switch meta.PlotSignificance {
	case "high", "medium", "low":
	default:
		meta.PlotSignificance = "medium"
	}
}
