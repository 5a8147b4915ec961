// Package rp implements the role-play retrieval side of the system:
// rule-based query understanding, three retrieval channels over a novel's
// vector shard and profiles, reranking, worldbook assembly, guardrails,
// and per-session conversation memory.
package rp

import "fmt"

// Intents recognised by query understanding, in detection priority order.
const (
	IntentCharacterRelation = "character_relation"
	IntentLocationQuery     = "location_query"
	IntentCanonCheck        = "canon_check"
	IntentNextAction        = "next_action"
	IntentStoryRecap        = "story_recap"
)

// Candidate source types.
const (
	SourceScene   = "scene"
	SourceProfile = "profile"
)

// Constraints are runtime limits inferred from request and session.
type Constraints struct {
	UnlockedChapter  int      `json:"unlocked_chapter"`
	ActiveCharacters []string `json:"active_characters"`
	LocationHints    []string `json:"location_hints"`
}

// Understanding is the structured form of one user query.
type Understanding struct {
	Intent          string      `json:"intent"`
	NormalizedQuery string      `json:"normalized_query"`
	Entities        []string    `json:"entities"`
	Locations       []string    `json:"locations"`
	EventKeywords   []string    `json:"event_keywords"`
	Constraints     Constraints `json:"constraints"`
}

// Candidate is the unified evidence format across retrieval channels.
// ChapterNo 0 means the chapter index is unknown.
type Candidate struct {
	SourceType   string   `json:"source_type"`
	SourceID     string   `json:"source_id"`
	Text         string   `json:"text"`
	Chapter      string   `json:"chapter,omitempty"`
	ChapterNo    int      `json:"chapter_no,omitempty"`
	SceneIndex   int      `json:"scene_index"`
	ChapterTitle string   `json:"chapter_title,omitempty"`
	SceneSummary string   `json:"scene_summary,omitempty"`
	EventSummary string   `json:"event_summary,omitempty"`
	Characters   []string `json:"characters,omitempty"`
	Location     string   `json:"location,omitempty"`
	Excerpt      string   `json:"excerpt,omitempty"`

	SemanticScore    float64 `json:"semantic_score"`
	EntityOverlap    float64 `json:"entity_overlap"`
	NarrativeFit     float64 `json:"narrative_fit"`
	RecencyInSession float64 `json:"recency_in_session"`
	FinalScore       float64 `json:"final_score"`
}

// DedupeKey collapses duplicate evidence across channels. Scene hits from
// different channels share the same key; the orchestrator keeps the one
// with the higher semantic score.
func (c *Candidate) DedupeKey() string {
	if c.SourceType == SourceScene {
		return fmt.Sprintf("scene:%s:%d", c.Chapter, c.SceneIndex)
	}
	return c.SourceType + ":" + c.SourceID
}

// Citation points a reply fragment back at its evidence. SceneIndex is
// nil for profile citations.
type Citation struct {
	SourceType   string `json:"source_type"`
	SourceID     string `json:"source_id"`
	Chapter      string `json:"chapter,omitempty"`
	SceneIndex   *int   `json:"scene_index"`
	ChapterTitle string `json:"chapter_title"`
	Excerpt      string `json:"excerpt"`
}

// Fact is one worldbook evidence entry derived from a scene.
type Fact struct {
	FactText      string  `json:"fact_text"`
	SourceChapter string  `json:"source_chapter"`
	SourceScene   *int    `json:"source_scene"`
	Excerpt       string  `json:"excerpt"`
	Confidence    float64 `json:"confidence"`
}

// CharacterState is one worldbook entry derived from a profile.
type CharacterState struct {
	Character  string  `json:"character"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// TimelineNote orders scene evidence chronologically.
type TimelineNote struct {
	Chapter    string `json:"chapter"`
	SceneIndex int    `json:"scene_index"`
	Event      string `json:"event"`
}

// Worldbook is the grounding payload consumed by response generation.
type Worldbook struct {
	Facts          []Fact           `json:"facts"`
	CharacterState []CharacterState `json:"character_state"`
	TimelineNotes  []TimelineNote   `json:"timeline_notes"`
	Forbidden      []string         `json:"forbidden"`
}

// Debug carries per-request retrieval diagnostics.
type Debug struct {
	Counts   map[string]int     `json:"counts"`
	TimingMS map[string]float64 `json:"timing_ms"`
	Errors   map[string]string  `json:"errors"`
}
