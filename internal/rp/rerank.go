package rp

import (
	"sort"
	"strings"
)

// Rerank weights: blended evidence score per candidate.
const (
	weightSemantic  = 0.40
	weightEntity    = 0.30
	weightNarrative = 0.20
	weightRecency   = 0.10
)

// Rerank blends semantic, entity, narrative and session-recency signals
// into final_score and sorts descending. Candidates are scored in place.
func Rerank(candidates []*Candidate, u Understanding, sessionEntities []string) []*Candidate {
	entitySet := toSet(u.Entities)
	keywords := u.EventKeywords
	if len(keywords) == 0 {
		keywords = TokenizeKeywords(u.NormalizedQuery)
	}
	sessionSet := toSet(sessionEntities)

	for _, c := range candidates {
		c.EntityOverlap = entityOverlap(c, entitySet)
		c.NarrativeFit = narrativeFit(c, keywords)
		c.RecencyInSession = recencyFit(c, sessionSet)
		c.FinalScore = c.SemanticScore*weightSemantic +
			c.EntityOverlap*weightEntity +
			c.NarrativeFit*weightNarrative +
			c.RecencyInSession*weightRecency
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].FinalScore > candidates[j].FinalScore
	})
	return candidates
}

func entityOverlap(c *Candidate, entities map[string]struct{}) float64 {
	if len(entities) == 0 {
		return 0
	}
	fields := toSet(c.Characters)
	if c.Location != "" {
		fields[c.Location] = struct{}{}
	}
	matched := 0
	for entity := range entities {
		if _, ok := fields[entity]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(entities))
}

func narrativeFit(c *Candidate, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	block := c.SceneSummary + " " + c.EventSummary + " " + c.Text
	if strings.TrimSpace(block) == "" {
		return 0
	}
	matched := 0
	for _, keyword := range keywords {
		if keyword != "" && strings.Contains(block, keyword) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func recencyFit(c *Candidate, sessionEntities map[string]struct{}) float64 {
	if len(sessionEntities) == 0 || len(c.Characters) == 0 {
		return 0
	}
	matched := 0
	for _, character := range c.Characters {
		if _, ok := sessionEntities[character]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(sessionEntities))
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
