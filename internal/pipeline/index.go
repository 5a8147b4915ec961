// Package pipeline implements the five-stage novel ingestion pipeline:
// chapter splitting, scene splitting, metadata annotation, vectorization
// and character profiles. The chapter index manifest written by stage 1
// is the source of truth for everything downstream.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Chapter processing statuses. Status only advances under normal runs;
// force and redo_chapter may revisit earlier states.
const (
	StatusPending          = "pending"
	StatusScenesDone       = "scenes_done"
	StatusScenesFailed     = "scenes_failed"
	StatusAnnotatedDone    = "annotated_done"
	StatusAnnotationFailed = "annotation_failed"
	StatusVectorized       = "vectorized"
	StatusVectorizeFailed  = "vectorize_failed"
)

// IndexFileName is the chapter index manifest inside the chapters dir.
const IndexFileName = "chapter_index.json"

// NameMapFileName is the persisted character canonicalisation map.
const NameMapFileName = "character_name_map.json"

// ChapterInfo is one chapter entry in the manifest.
type ChapterInfo struct {
	ChapterID     string `json:"chapter_id"`
	File          string `json:"file"`
	Title         string `json:"title"`
	CharCount     int    `json:"char_count"`
	Status        string `json:"status"`
	ScenesFile    string `json:"scenes_file,omitempty"`
	AnnotatedFile string `json:"annotated_file,omitempty"`
}

// Index is the chapter index manifest.
type Index struct {
	SourceFile    string         `json:"source_file"`
	TotalChapters int            `json:"total_chapters"`
	Chapters      []*ChapterInfo `json:"chapters"`
}

// IndexPath returns the manifest location inside a chapters directory.
func IndexPath(chaptersDir string) string {
	return filepath.Join(chaptersDir, IndexFileName)
}

// LoadIndex reads the manifest from a chapters directory.
func LoadIndex(chaptersDir string) (*Index, error) {
	raw, err := os.ReadFile(IndexPath(chaptersDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read chapter index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse chapter index: %w", err)
	}
	return &idx, nil
}

// Save writes the manifest back to a chapters directory.
func (idx *Index) Save(chaptersDir string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode chapter index: %w", err)
	}
	if err := os.WriteFile(IndexPath(chaptersDir), data, 0o644); err != nil {
		return fmt.Errorf("failed to write chapter index: %w", err)
	}
	return nil
}

var chapterNoRe = regexp.MustCompile(`(\d+)`)

// ChapterNo extracts the numeric chapter index from a chapter id.
// Ids without a digit run map to 0, which all consumers treat as
// "unknown" rather than chapter zero.
func ChapterNo(chapterID string) int {
	m := chapterNoRe.FindString(chapterID)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

// ChapterIDForNo formats the canonical chapter id for a 1-based index.
func ChapterIDForNo(no int) string {
	return fmt.Sprintf("chapter_%04d", no)
}

// SceneMetadata is the per-scene annotation produced by stage 3.
type SceneMetadata struct {
	Characters         []string `json:"characters"`
	Location           string   `json:"location"`
	TimeDescription    string   `json:"time_description"`
	EventSummary       string   `json:"event_summary"`
	EmotionTone        string   `json:"emotion_tone"`
	KeyDialogues       []string `json:"key_dialogues"`
	CharacterRelations []string `json:"character_relations"`
	PlotSignificance   string   `json:"plot_significance"`
}

// Scene is one narrative unit within a chapter.
type Scene struct {
	SceneIndex   int            `json:"scene_index"`
	Text         string         `json:"text"`
	CharCount    int            `json:"char_count"`
	SceneSummary string         `json:"scene_summary"`
	Metadata     *SceneMetadata `json:"metadata,omitempty"`
}

// SceneDoc is the per-chapter scenes file written by stage 2 and
// enriched in place by stage 3.
type SceneDoc struct {
	SourceFile   string   `json:"source_file"`
	ChapterID    string   `json:"chapter_id"`
	ChapterTitle string   `json:"chapter_title"`
	TotalScenes  int      `json:"total_scenes"`
	CoverageRate float64  `json:"coverage_rate"`
	Scenes       []*Scene `json:"scenes"`
}

// LoadSceneDoc reads a scenes or annotated file.
func LoadSceneDoc(path string) (*SceneDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenes file: %w", err)
	}
	var doc SceneDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse scenes file: %w", err)
	}
	return &doc, nil
}

// Save writes the scene document.
func (d *SceneDoc) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode scenes file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scenes file: %w", err)
	}
	return nil
}
