package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"airp/internal/providers"
)

// profileEvidenceBudget bounds the number of scene summaries quoted in
// one profile prompt.
const profileEvidenceBudget = 100

// Profiler is stage 5: it aggregates per-character evidence across all
// annotated chapters and asks the chat model for role-play dossiers.
type Profiler struct {
	settings Settings
	chatCfg  providers.ChatConfig
	chat     *providers.ChatClient
	logger   *slog.Logger
}

// NewProfiler creates the stage 5 worker.
func NewProfiler(settings Settings, chatCfg providers.ChatConfig, logger *slog.Logger) *Profiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{
		settings: settings.withDefaults(),
		chatCfg:  chatCfg,
		chat:     providers.NewChatClient(chatCfg),
		logger:   logger,
	}
}

// characterScene is one evidence record for a character.
type characterScene struct {
	ChapterID          string
	ChapterTitle       string
	SceneIndex         int
	EventSummary       string
	EmotionTone        string
	KeyDialogues       []string
	CharacterRelations []string
	PlotSignificance   string
}

// GenerateProfiles writes Markdown profiles for the top-N characters by
// appearance count, skipping those below the minimum scene count.
// Returns the written file paths.
func (p *Profiler) GenerateProfiles(ctx context.Context, annotatedDir, profilesDir string) ([]string, error) {
	if err := os.MkdirAll(profilesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profiles dir: %w", err)
	}

	characterScenes, err := p.collectCharacterData(annotatedDir)
	if err != nil {
		return nil, err
	}

	top := p.topCharacters(characterScenes)
	p.logger.Info("generating character profiles", "characters", len(top))

	var mu sync.Mutex
	var files []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.settings.Concurrency)
	for _, character := range top {
		scenes := characterScenes[character]
		g.Go(func() error {
			p.logger.Info("generating profile", "character", character, "scenes", len(scenes))
			file, err := p.generateProfile(gctx, character, scenes, profilesDir)
			if err != nil {
				p.logger.Error("profile generation failed", "character", character, "error", err)
				return nil
			}
			mu.Lock()
			files = append(files, file)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Strings(files)
	return files, nil
}

// collectCharacterData scans every annotated chapter and groups scene
// evidence by canonical character name.
func (p *Profiler) collectCharacterData(annotatedDir string) (map[string][]characterScene, error) {
	entries, err := os.ReadDir(annotatedDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotated dir: %w", err)
	}

	characterScenes := make(map[string][]characterScene)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_annotated.json") {
			continue
		}
		doc, err := LoadSceneDoc(filepath.Join(annotatedDir, entry.Name()))
		if err != nil {
			p.logger.Warn("skipping unreadable annotated file", "file", entry.Name(), "error", err)
			continue
		}
		for _, sc := range doc.Scenes {
			if sc.Metadata == nil {
				continue
			}
			for _, character := range sc.Metadata.Characters {
				characterScenes[character] = append(characterScenes[character], characterScene{
					ChapterID:          doc.ChapterID,
					ChapterTitle:       doc.ChapterTitle,
					SceneIndex:         sc.SceneIndex,
					EventSummary:       sc.Metadata.EventSummary,
					EmotionTone:        sc.Metadata.EmotionTone,
					KeyDialogues:       sc.Metadata.KeyDialogues,
					CharacterRelations: sc.Metadata.CharacterRelations,
					PlotSignificance:   sc.Metadata.PlotSignificance,
				})
			}
		}
	}
	return characterScenes, nil
}

// topCharacters returns up to top-N characters by appearance count with
// at least the minimum scene count, most frequent first.
func (p *Profiler) topCharacters(characterScenes map[string][]characterScene) []string {
	type freq struct {
		name  string
		count int
	}
	ranked := make([]freq, 0, len(characterScenes))
	for name, scenes := range characterScenes {
		ranked = append(ranked, freq{name: name, count: len(scenes)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].name < ranked[j].name
	})

	var top []string
	for _, f := range ranked {
		if len(top) >= p.settings.ProfileTopN {
			break
		}
		if f.count >= p.settings.ProfileMinScenes {
			top = append(top, f.name)
		}
	}
	return top
}

// generateProfile composes one profile prompt and writes the Markdown
// dossier with an appearance-count header.
func (p *Profiler) generateProfile(ctx context.Context, character string, scenes []characterScene, profilesDir string) (string, error) {
	summaries := sceneSummaries(selectEvidence(scenes))

	relationSet := make(map[string]struct{})
	var relations []string
	for _, sc := range scenes {
		for _, rel := range sc.CharacterRelations {
			if _, ok := relationSet[rel]; !ok {
				relationSet[rel] = struct{}{}
				relations = append(relations, rel)
			}
		}
	}
	relationsText := "无"
	if len(relations) > 0 {
		relationsText = strings.Join(relations, "\n")
	}

	prompt := fmt.Sprintf(`请为小说角色 "%s" 生成详细的角色档案，用于后续的角色扮演。

角色在小说中的场景记录（按章节顺序）：

%s

角色关系：
%s

请生成包含以下内容的角色档案：

1. **基本信息与身份**
2. **核心性格特征**（3-5个特点，附原文佐证）
3. **说话风格与语气**（含2-3个典型对白示例）
4. **情感反应模式**
5. **关键经历时间线**
6. **核心人物关系**
7. **内心动机**（核心渴望与主要恐惧）
8. **角色扮演注意事项**

请用 Markdown 格式输出，要详细且有深度。`,
		character, strings.Join(summaries, "\n\n"), relationsText)

	worker := p.chat
	if p.settings.Concurrency > 1 {
		worker = providers.NewChatClient(p.chatCfg)
	}
	body, err := worker.Call(ctx, providers.ChatRequest{
		Prompt:      prompt,
		Model:       p.settings.AnnotateModel,
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}

	safeName := strings.NewReplacer("/", "_", "\\", "_").Replace(character)
	file := filepath.Join(profilesDir, safeName+".md")

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s - 角色档案\n\n", character)
	fmt.Fprintf(&sb, "**出场次数**: %d\n\n", len(scenes))
	sb.WriteString("---\n\n")
	sb.WriteString(body)

	if err := os.WriteFile(file, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write profile: %w", err)
	}
	p.logger.Info("saved character profile", "character", character, "file", filepath.Base(file))
	return file, nil
}

// selectEvidence bounds the quoted scenes: all of them when under
// budget, otherwise high significance first, then medium.
func selectEvidence(scenes []characterScene) []characterScene {
	if len(scenes) <= profileEvidenceBudget {
		return scenes
	}

	var high, medium []characterScene
	for _, sc := range scenes {
		switch sc.PlotSignificance {
		case "high":
			high = append(high, sc)
		case "medium":
			medium = append(medium, sc)
		}
	}
	if len(high) >= profileEvidenceBudget {
		return high[:profileEvidenceBudget]
	}
	remaining := profileEvidenceBudget - len(high)
	if remaining > len(medium) {
		remaining = len(medium)
	}
	return append(high, medium[:remaining]...)
}

func sceneSummaries(scenes []characterScene) []string {
	summaries := make([]string, 0, len(scenes))
	for _, sc := range scenes {
		summary := fmt.Sprintf("[%s] %s", sc.ChapterTitle, sc.EventSummary)
		if sc.EmotionTone != "" {
			summary += fmt.Sprintf(" (情感: %s)", sc.EmotionTone)
		}
		if len(sc.KeyDialogues) > 0 {
			quoted := sc.KeyDialogues
			if len(quoted) > 2 {
				quoted = quoted[:2]
			}
			summary += "\n  对白: " + strings.Join(quoted, "; ")
		}
		summaries = append(summaries, summary)
	}
	return summaries
}
