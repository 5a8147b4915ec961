package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"airp/internal/providers"
	"airp/internal/vectorstore"
)

// Vectorizer is stage 4: it embeds augmented scene texts and upserts
// them into the novel's vector shard with deterministic point ids.
type Vectorizer struct {
	settings Settings
	embed    *providers.EmbeddingClient
	store    *vectorstore.Store
	logger   *slog.Logger
}

// NewVectorizer creates the stage 4 worker and ensures the collection
// exists with the embedding client's dimensionality.
func NewVectorizer(settings Settings, embed *providers.EmbeddingClient, store *vectorstore.Store, logger *slog.Logger) (*Vectorizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	settings = settings.withDefaults()

	if err := store.EnsureCollection(settings.CollectionName, embed.Dimensions(), vectorstore.DistanceCosine); err != nil {
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}
	return &Vectorizer{settings: settings, embed: embed, store: store, logger: logger}, nil
}

// shouldVectorize gates a chapter on its status.
func shouldVectorize(status string, force bool) bool {
	if force {
		switch status {
		case StatusAnnotatedDone, StatusVectorized, StatusVectorizeFailed:
			return true
		}
		return false
	}
	return status == StatusAnnotatedDone
}

// Run vectorizes every eligible chapter and returns collection stats.
func (v *Vectorizer) Run(ctx context.Context, chaptersDir, annotatedDir string, force bool) (vectorstore.CollectionStats, error) {
	idx, err := LoadIndex(chaptersDir)
	if err != nil {
		return vectorstore.CollectionStats{}, err
	}

	for _, ch := range idx.Chapters {
		if ch.Status == StatusVectorized && !force {
			v.logger.Info("chapter already vectorized, skipping", "chapter", ch.ChapterID)
			continue
		}
		if !shouldVectorize(ch.Status, force) {
			v.logger.Warn("chapter not annotated, skipping", "chapter", ch.ChapterID)
			continue
		}
		if ch.AnnotatedFile == "" {
			v.logger.Error("chapter has no annotated file", "chapter", ch.ChapterID)
			continue
		}

		n, err := v.VectorizeChapter(ctx, filepath.Join(annotatedDir, ch.AnnotatedFile))
		if err != nil {
			v.logger.Error("vectorization failed", "chapter", ch.ChapterID, "error", err)
			ch.Status = StatusVectorizeFailed
			continue
		}
		v.logger.Info("chapter vectorized", "chapter", ch.ChapterID, "points", n)
		ch.Status = StatusVectorized
	}

	if err := idx.Save(chaptersDir); err != nil {
		return vectorstore.CollectionStats{}, err
	}
	return v.store.GetStats(v.settings.CollectionName)
}

// VectorizeChapter embeds one annotated chapter and replaces its points
// in the shard. The returned vector count must match the scene count;
// a mismatch fails the chapter.
func (v *Vectorizer) VectorizeChapter(ctx context.Context, annotatedFile string) (int, error) {
	doc, err := LoadSceneDoc(annotatedFile)
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(doc.Scenes))
	for i, sc := range doc.Scenes {
		texts[i] = augmentedText(sc)
	}

	vectors, err := v.embed.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(doc.Scenes) {
		return 0, fmt.Errorf("embedding count mismatch: %d vectors for %d scenes", len(vectors), len(doc.Scenes))
	}

	// Re-vectorising replaces the chapter's previous points instead of
	// appending duplicates.
	if err := v.store.DeleteByChapter(v.settings.CollectionName, doc.ChapterID); err != nil {
		return 0, err
	}

	chapterNo := ChapterNo(doc.ChapterID)
	points := make([]vectorstore.Point, 0, len(doc.Scenes))
	for i, sc := range doc.Scenes {
		meta := sc.Metadata
		if meta == nil {
			meta = defaultMetadata()
		}
		points = append(points, vectorstore.Point{
			ID:     vectorstore.BuildPointID(doc.ChapterID, sc.SceneIndex),
			Vector: vectors[i],
			Payload: vectorstore.Payload{
				Chapter:            doc.ChapterID,
				ChapterNo:          chapterNo,
				ChapterTitle:       doc.ChapterTitle,
				SceneIndex:         sc.SceneIndex,
				SceneSummary:       sc.SceneSummary,
				CharCount:          sc.CharCount,
				Characters:         meta.Characters,
				Location:           meta.Location,
				TimeDescription:    meta.TimeDescription,
				EventSummary:       meta.EventSummary,
				EmotionTone:        meta.EmotionTone,
				KeyDialogues:       meta.KeyDialogues,
				CharacterRelations: meta.CharacterRelations,
				PlotSignificance:   meta.PlotSignificance,
				Aliases:            meta.Characters,
				EntityTags:         InferEntityTags(meta, sc.SceneSummary, sc.Text),
				SpoilerLevel:       chapterNo,
				Text:               sc.Text,
			},
		})
	}

	if err := v.store.UpsertPoints(v.settings.CollectionName, points); err != nil {
		return 0, err
	}
	return len(points), nil
}

// augmentedText prepends the scene's summary, characters and location to
// the raw text so embeddings carry the structured context.
func augmentedText(sc *Scene) string {
	var parts []string
	if sc.Metadata != nil {
		if sc.Metadata.EventSummary != "" {
			parts = append(parts, sc.Metadata.EventSummary)
		}
		if len(sc.Metadata.Characters) > 0 {
			parts = append(parts, strings.Join(sc.Metadata.Characters, " "))
		}
		if sc.Metadata.Location != "" {
			parts = append(parts, sc.Metadata.Location)
		}
	}
	parts = append(parts, sc.Text)
	return strings.Join(parts, "\n")
}

var entityTagKeywords = map[string][]string{
	"办案": {"案", "捕", "审", "衙门", "查"},
	"朝堂": {"朝", "帝", "官", "奏", "殿", "京城"},
	"修行": {"修行", "功法", "元神", "佛门", "道门", "气机"},
	"战斗": {"战", "军", "兵", "杀"},
}

// InferEntityTags derives coarse topic tags from the scene summaries and
// text for the filter retrieval channel. Scenes matching nothing are
// tagged 剧情.
func InferEntityTags(meta *SceneMetadata, sceneSummary, sceneText string) []string {
	haystack := sceneSummary + " " + sceneText
	if meta != nil {
		haystack = meta.EventSummary + " " + haystack
	}

	var tags []string
	for tag, keywords := range entityTagKeywords {
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				tags = append(tags, tag)
				break
			}
		}
	}
	if len(tags) == 0 {
		return []string{"剧情"}
	}
	sort.Strings(tags)
	return tags
}
