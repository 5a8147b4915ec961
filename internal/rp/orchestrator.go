package rp

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Orchestrator fans a query out to the three retrieval channels, merges
// and deduplicates the results, applies the spoiler boundary and reranks.
type Orchestrator struct {
	retr          *retrievers
	vectorTopK    int
	filterTopK    int
	profileTopK   int
	maxCandidates int
	logger        *slog.Logger
}

func newOrchestrator(retr *retrievers, settings Settings, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		retr:          retr,
		vectorTopK:    settings.VectorTopK,
		filterTopK:    settings.FilterTopK,
		profileTopK:   settings.ProfileTopK,
		maxCandidates: settings.MaxCandidates,
		logger:        logger,
	}
}

// Retrieve runs all channels. Channel failures land in debug.Errors
// instead of aborting the request; the remaining channels still count.
func (o *Orchestrator) Retrieve(ctx context.Context, u Understanding, state *SessionState) ([]*Candidate, Debug) {
	start := time.Now()
	debug := Debug{
		Counts:   map[string]int{},
		TimingMS: map[string]float64{},
		Errors:   map[string]string{},
	}

	vectorStart := time.Now()
	vectorHits, err := o.retr.semantic(ctx, u.NormalizedQuery, o.vectorTopK,
		u.Constraints.ActiveCharacters, u.Locations, u.Constraints.UnlockedChapter)
	if err != nil {
		o.logger.Error("vector retrieval failed", "error", err)
		debug.Errors["vector"] = err.Error()
	}
	debug.TimingMS["vector"] = elapsedMS(vectorStart)

	filterStart := time.Now()
	filterHits, err := o.retr.filtered(u.Entities, u.Locations, o.filterTopK, u.Constraints.UnlockedChapter)
	if err != nil {
		o.logger.Error("filter retrieval failed", "error", err)
		debug.Errors["filter"] = err.Error()
	}
	debug.TimingMS["filter"] = elapsedMS(filterStart)

	profileStart := time.Now()
	profileEntities := u.Entities
	if len(profileEntities) == 0 {
		profileEntities = u.Constraints.ActiveCharacters
	}
	profileHits, err := o.retr.profiles(profileEntities, o.profileTopK)
	if err != nil {
		o.logger.Error("profile retrieval failed", "error", err)
		debug.Errors["profile"] = err.Error()
	}
	debug.TimingMS["profile"] = elapsedMS(profileStart)

	merged := dedupe(append(append(append([]*Candidate{}, vectorHits...), filterHits...), profileHits...))
	unspoiled := FilterSpoilers(merged, u.Constraints.UnlockedChapter)
	ranked := Rerank(unspoiled, u, state.RecentEntities)
	if len(ranked) > o.maxCandidates {
		ranked = ranked[:o.maxCandidates]
	}

	debug.Counts["vector"] = len(vectorHits)
	debug.Counts["filter"] = len(filterHits)
	debug.Counts["profile"] = len(profileHits)
	debug.Counts["merged"] = len(merged)
	debug.Counts["after_spoiler_filter"] = len(unspoiled)
	debug.Counts["ranked"] = len(ranked)
	debug.TimingMS["total"] = elapsedMS(start)

	return ranked, debug
}

// dedupe keeps, per dedupe key, the candidate with the highest semantic
// score; first-seen order of the surviving keys is preserved.
func dedupe(items []*Candidate) []*Candidate {
	best := make(map[string]*Candidate, len(items))
	var order []string
	for _, item := range items {
		key := item.DedupeKey()
		current, seen := best[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || item.SemanticScore > current.SemanticScore {
			best[key] = item
		}
	}
	out := make([]*Candidate, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func elapsedMS(since time.Time) float64 {
	return math.Round(float64(time.Since(since).Microseconds())/10) / 100
}
