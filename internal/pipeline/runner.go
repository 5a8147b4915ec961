package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"airp/internal/home"
	"airp/internal/providers"
	"airp/internal/vectorstore"
)

// RunSpec selects what a pipeline run does.
type RunSpec struct {
	Step        int  `json:"step,omitempty"`         // 1..5, 0 = full run
	Force       bool `json:"force,omitempty"`        // reprocess finished chapters
	RedoChapter int  `json:"redo_chapter,omitempty"` // restrict stages 2 and 3 to one chapter
}

// Runner executes pipeline stages against a novel workspace. Model
// clients are rebuilt per run from the configured endpoints so every
// run sees current settings; the shared pacer still spans runs.
type Runner struct {
	home     *home.Dir
	settings Settings
	chatCfg  providers.ChatConfig
	embedCfg providers.EmbeddingConfig
	logger   *slog.Logger
}

// NewRunner creates a pipeline runner.
func NewRunner(dir *home.Dir, settings Settings, chatCfg providers.ChatConfig, embedCfg providers.EmbeddingConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		home:     dir,
		settings: settings.withDefaults(),
		chatCfg:  chatCfg,
		embedCfg: embedCfg,
		logger:   logger,
	}
}

// Run executes the requested stages for one novel, teeing stage logs
// into logPath. progress, when non-nil, is told the current step and a
// completion fraction before each stage and once at the end. Returns a
// stats summary merged across the stages that ran.
func (r *Runner) Run(ctx context.Context, ownerUserID, novelID string, spec RunSpec, logPath string, progress func(step int, fraction float64)) (map[string]any, error) {
	if spec.Step < 0 || spec.Step > 5 {
		return nil, fmt.Errorf("invalid pipeline step: %d", spec.Step)
	}
	if progress == nil {
		progress = func(int, float64) {}
	}

	paths, err := r.home.EnsureNovelDirs(ownerUserID, novelID)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := jobLogger(logPath, r.logger)
	if err != nil {
		return nil, err
	}
	defer closeLog()

	start := time.Now()
	full := spec.Step == 0

	// Preconditions, so a misordered single-step run fails loudly
	// instead of silently doing nothing.
	if full || spec.Step == 1 {
		if _, err := os.Stat(paths.SourceFile); err != nil {
			return nil, fmt.Errorf("novel source file not found: %s", paths.SourceFile)
		}
	}
	if !full && spec.Step >= 2 {
		if _, err := os.Stat(IndexPath(paths.ChaptersDir)); err != nil {
			return nil, fmt.Errorf("chapter index not found, run step 1 first")
		}
	}
	if !full && spec.Step == 5 {
		if _, err := os.Stat(paths.AnnotatedDir); err != nil {
			return nil, fmt.Errorf("annotated dir not found, run step 3 first")
		}
	}

	stats := map[string]any{"novel_id": novelID}
	report := func(step int) {
		if full {
			progress(step, float64(step-1)/5)
		} else {
			progress(step, 0.1)
		}
	}

	lastStep := spec.Step
	if full || spec.Step == 1 {
		lastStep = 1
		report(1)
		splitter, err := NewChapterSplitter(r.settings, logger)
		if err != nil {
			return nil, err
		}
		if err := splitter.Run(paths.SourceFile, paths.ChaptersDir, spec.Force); err != nil {
			return nil, fmt.Errorf("stage 1: %w", err)
		}
	}

	if full || spec.Step == 2 {
		lastStep = 2
		report(2)
		chatCfg := r.chatCfg
		chatCfg.Logger = logger
		splitter := NewSceneSplitter(r.settings, providers.NewChatClient(chatCfg), logger)
		if err := splitter.Run(ctx, paths.ChaptersDir, paths.ScenesDir, spec.Force, spec.RedoChapter); err != nil {
			return nil, fmt.Errorf("stage 2: %w", err)
		}
	}

	if full || spec.Step == 3 {
		lastStep = 3
		report(3)
		chatCfg := r.chatCfg
		chatCfg.Logger = logger
		annotator := NewAnnotator(r.settings, chatCfg, logger)
		if err := annotator.Run(ctx, paths.ChaptersDir, paths.ScenesDir, paths.AnnotatedDir, spec.Force, spec.RedoChapter); err != nil {
			return nil, fmt.Errorf("stage 3: %w", err)
		}
	}

	if full || spec.Step == 4 {
		lastStep = 4
		report(4)
		vectorStats, err := r.runVectorize(ctx, paths, spec.Force, logger)
		if err != nil {
			return nil, fmt.Errorf("stage 4: %w", err)
		}
		stats["vector_db"] = map[string]any{
			"collection_name":   vectorStats.Name,
			"total_points":      vectorStats.PointCount,
			"vector_dimensions": vectorStats.Dims,
		}
	}

	if full || spec.Step == 5 {
		lastStep = 5
		report(5)
		chatCfg := r.chatCfg
		chatCfg.Logger = logger
		profiler := NewProfiler(r.settings, chatCfg, logger)
		files, err := profiler.GenerateProfiles(ctx, paths.AnnotatedDir, paths.ProfilesDir)
		if err != nil {
			return nil, fmt.Errorf("stage 5: %w", err)
		}
		stats["profiles_generated"] = len(files)
	}

	mergeIndexStats(stats, paths.ChaptersDir)
	stats["profiles_total"] = countProfiles(paths.ProfilesDir)
	stats["elapsed_s"] = math.Round(time.Since(start).Seconds()*100) / 100

	progress(lastStep, 1.0)
	logger.Info("pipeline run finished", "novel", novelID, "stats", fmt.Sprintf("%v", stats))
	return stats, nil
}

func (r *Runner) runVectorize(ctx context.Context, paths home.NovelPaths, force bool, logger *slog.Logger) (vectorstore.CollectionStats, error) {
	store, err := vectorstore.Open(paths.VectorDBPath, logger)
	if err != nil {
		return vectorstore.CollectionStats{}, err
	}
	defer store.Close()

	embedCfg := r.embedCfg
	embedCfg.Logger = logger
	vectorizer, err := NewVectorizer(r.settings, providers.NewEmbeddingClient(embedCfg), store, logger)
	if err != nil {
		return vectorstore.CollectionStats{}, err
	}
	return vectorizer.Run(ctx, paths.ChaptersDir, paths.AnnotatedDir, force)
}

// mergeIndexStats derives the chapter summary from the manifest when it
// exists; absence is not an error (a failed step 1 has no manifest).
func mergeIndexStats(stats map[string]any, chaptersDir string) {
	idx, err := LoadIndex(chaptersDir)
	if err != nil {
		return
	}
	vectorized, failed := 0, 0
	for _, ch := range idx.Chapters {
		if ch.Status == StatusVectorized {
			vectorized++
		}
		if strings.Contains(ch.Status, "failed") {
			failed++
		}
	}
	stats["total_chapters"] = idx.TotalChapters
	stats["chapters_vectorized"] = vectorized
	stats["chapters_failed"] = failed
}

func countProfiles(profilesDir string) int {
	entries, err := os.ReadDir(profilesDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(strings.ToLower(entry.Name()), ".md") {
			n++
		}
	}
	return n
}

// jobLogger builds a logger that tees stage output into the job log
// file alongside the runner's own handler destination.
func jobLogger(logPath string, base *slog.Logger) (*slog.Logger, func(), error) {
	if logPath == "" {
		return base, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open job log: %w", err)
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), func() { f.Close() }, nil
}
