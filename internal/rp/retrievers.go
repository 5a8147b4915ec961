package rp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"airp/internal/pipeline"
	"airp/internal/providers"
	"airp/internal/textutil"
	"airp/internal/vectorstore"
)

// Baseline semantic scores for the non-semantic channels, so structured
// and profile hits still compete in the blended rank.
const (
	filterBaselineScore  = 0.55
	profileBaselineScore = 0.50
)

// retrievers bundles the three evidence channels of one novel. The
// structured filter shares the semantic channel's shard handle.
type retrievers struct {
	store       *vectorstore.Store
	embed       *providers.EmbeddingClient
	collection  string
	profilesDir string
}

// semantic embeds the query and runs vector search with an optional
// should-filter on active characters and hinted locations.
func (r *retrievers) semantic(ctx context.Context, queryText string, topK int, activeCharacters, locationHints []string, unlockedChapter int) ([]*Candidate, error) {
	if queryText == "" {
		return nil, nil
	}

	vectors, err := r.embed.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	hits, err := r.store.QuerySemantic(r.collection, vectors[0], topK, shouldFilter(activeCharacters, locationHints))
	if err != nil {
		return nil, err
	}

	var out []*Candidate
	for _, hit := range hits {
		c := sceneCandidate(hit.ID, hit.Payload)
		if unlockedChapter > 0 && c.ChapterNo > unlockedChapter {
			continue
		}
		c.SemanticScore = normalizeSemanticScore(hit.Score)
		out = append(out, c)
	}
	return out, nil
}

// filtered recalls scenes purely by payload match. A missing collection
// is treated as an empty shard after one retry.
func (r *retrievers) filtered(entities, locations []string, topK, unlockedChapter int) ([]*Candidate, error) {
	filter := shouldFilter(entities, locations)
	if filter == nil {
		return nil, nil
	}

	points, err := r.store.QueryFiltered(r.collection, *filter, topK)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		points, err = r.store.QueryFiltered(r.collection, *filter, topK)
		if errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, err
	}

	var out []*Candidate
	for _, point := range points {
		c := sceneCandidate(point.ID, point.Payload)
		if unlockedChapter > 0 && c.ChapterNo > unlockedChapter {
			continue
		}
		c.SemanticScore = filterBaselineScore
		out = append(out, c)
	}
	return out, nil
}

// profiles matches entities against profile files, exact name first then
// substring either way.
func (r *retrievers) profiles(entities []string, topK int) ([]*Candidate, error) {
	entities = NormalizeEntities(entities)
	if len(entities) == 0 {
		return nil, nil
	}

	dirEntries, err := os.ReadDir(r.profilesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles dir: %w", err)
	}
	var files []string
	for _, entry := range dirEntries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			files = append(files, entry.Name())
		}
	}

	var out []*Candidate
	for _, entity := range entities {
		file := matchProfileFile(entity, files)
		if file == "" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(r.profilesDir, file))
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(file, ".md")
		out = append(out, &Candidate{
			SourceType:    SourceProfile,
			SourceID:      name,
			Text:          string(raw),
			Characters:    []string{name},
			Excerpt:       textutil.Shorten(string(raw), 180),
			SemanticScore: profileBaselineScore,
		})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

func matchProfileFile(entity string, files []string) string {
	direct := entity + ".md"
	for _, name := range files {
		if name == direct {
			return name
		}
	}
	for _, name := range files {
		stem := strings.TrimSuffix(name, ".md")
		if strings.Contains(stem, entity) || strings.Contains(entity, stem) {
			return name
		}
	}
	return ""
}

func sceneCandidate(id string, p vectorstore.Payload) *Candidate {
	chapterNo := p.ChapterNo
	if chapterNo == 0 {
		chapterNo = pipeline.ChapterNo(p.Chapter)
	}
	return &Candidate{
		SourceType:   SourceScene,
		SourceID:     id,
		Text:         p.Text,
		Chapter:      p.Chapter,
		ChapterNo:    chapterNo,
		SceneIndex:   p.SceneIndex,
		ChapterTitle: p.ChapterTitle,
		SceneSummary: p.SceneSummary,
		EventSummary: p.EventSummary,
		Characters:   p.Characters,
		Location:     p.Location,
		Excerpt:      textutil.Shorten(p.Text, 180),
	}
}

func shouldFilter(characters, locations []string) *vectorstore.Filter {
	var conditions []vectorstore.Condition
	if len(characters) > 0 {
		conditions = append(conditions, vectorstore.Condition{Field: "characters", Any: characters})
	}
	if len(locations) > 0 {
		conditions = append(conditions, vectorstore.Condition{Field: "location", Any: locations})
	}
	if len(conditions) == 0 {
		return nil
	}
	return &vectorstore.Filter{Should: conditions}
}

// normalizeSemanticScore maps raw cosine similarity in [-1,1] onto
// [0,1]; scores already above 1 are clamped.
func normalizeSemanticScore(raw float64) float64 {
	switch {
	case raw < -1:
		return 0
	case raw <= 1:
		return (raw + 1) / 2
	default:
		return 1
	}
}
