package rp

import (
	"math"
	"sort"
	"strconv"

	"airp/internal/textutil"
)

// WorldbookBuilder assembles the grounding payload from ranked evidence.
type WorldbookBuilder struct {
	maxFacts int
}

// NewWorldbookBuilder creates a builder keeping at most maxFacts entries.
func NewWorldbookBuilder(maxFacts int) *WorldbookBuilder {
	if maxFacts <= 0 {
		maxFacts = 8
	}
	return &WorldbookBuilder{maxFacts: maxFacts}
}

// Build converts the top-ranked candidates into worldbook context plus a
// parallel citations list.
func (b *WorldbookBuilder) Build(candidates []*Candidate, u Understanding) (Worldbook, []Citation) {
	selected := candidates
	if len(selected) > b.maxFacts {
		selected = selected[:b.maxFacts]
	}

	wb := Worldbook{
		Facts:          []Fact{},
		CharacterState: []CharacterState{},
		TimelineNotes:  []TimelineNote{},
	}
	citations := []Citation{}

	var scenes []*Candidate
	for _, item := range selected {
		confidence := roundConfidence(item.FinalScore)
		switch item.SourceType {
		case SourceScene:
			scenes = append(scenes, item)
			sceneIndex := item.SceneIndex
			excerpt := textutil.Shorten(item.Text, 180)
			wb.Facts = append(wb.Facts, Fact{
				FactText:      factText(item, 140),
				SourceChapter: item.Chapter,
				SourceScene:   &sceneIndex,
				Excerpt:       excerpt,
				Confidence:    confidence,
			})
			citations = append(citations, Citation{
				SourceType:   SourceScene,
				SourceID:     item.SourceID,
				Chapter:      item.Chapter,
				SceneIndex:   &sceneIndex,
				ChapterTitle: item.ChapterTitle,
				Excerpt:      excerpt,
			})
		case SourceProfile:
			wb.CharacterState = append(wb.CharacterState, CharacterState{
				Character:  item.SourceID,
				Summary:    textutil.Shorten(item.Text, 220),
				Confidence: confidence,
			})
			citations = append(citations, Citation{
				SourceType: SourceProfile,
				SourceID:   item.SourceID,
				Excerpt:    textutil.Shorten(item.Text, 120),
			})
		}
	}

	sort.SliceStable(scenes, func(i, j int) bool {
		ki, kj := timelineKey(scenes[i]), timelineKey(scenes[j])
		if ki != kj {
			return ki < kj
		}
		return scenes[i].SceneIndex < scenes[j].SceneIndex
	})
	for _, item := range scenes {
		wb.TimelineNotes = append(wb.TimelineNotes, TimelineNote{
			Chapter:    item.Chapter,
			SceneIndex: item.SceneIndex,
			Event:      factText(item, 100),
		})
	}

	wb.Forbidden = []string{
		"禁止编造未在证据中的设定。",
		"若证据不足必须明确说明，不能强行续写事实。",
	}
	if u.Constraints.UnlockedChapter > 0 {
		wb.Forbidden = append(wb.Forbidden,
			"禁止引用 chapter>"+strconv.Itoa(u.Constraints.UnlockedChapter)+" 的信息（防剧透）。")
	}

	return wb, citations
}

// factText prefers the event summary, then the scene summary, then a
// shortened excerpt of the raw text.
func factText(item *Candidate, limit int) string {
	if item.EventSummary != "" {
		return item.EventSummary
	}
	if item.SceneSummary != "" {
		return item.SceneSummary
	}
	return textutil.Shorten(item.Text, limit)
}

// timelineKey orders unknown chapters after everything else.
func timelineKey(item *Candidate) int {
	if item.ChapterNo == 0 {
		return math.MaxInt32
	}
	return item.ChapterNo
}

func roundConfidence(score float64) float64 {
	return math.Round(score*10000) / 10000
}
