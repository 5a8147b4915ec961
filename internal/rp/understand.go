package rp

import (
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"airp/internal/pipeline"
)

// locationRe matches short Chinese spans ending in a common place suffix.
var locationRe = regexp.MustCompile(
	`[\x{4e00}-\x{9fff}]{1,10}(?:城|府|宫|寺|山|谷|楼|馆|堂|门|营|州|郡|村|镇|客栈|书院|牢房|驿站)`)

type intentRule struct {
	intent   string
	keywords []string
}

// Understander parses conversation input into intent, entities and
// constraints using a per-novel character dictionary.
type Understander struct {
	rules            []intentRule
	names            []string
	aliasToCanonical map[string]string
	sortedAliases    []string
	logger           *slog.Logger
}

// NewUnderstander builds the character dictionary from profile filenames
// (canonical names) and the novel's alias map. Both sources are optional;
// an empty dictionary still yields working intent and keyword extraction.
func NewUnderstander(profilesDir, annotatedDir string, logger *slog.Logger) *Understander {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Understander{
		rules: []intentRule{
			{IntentCharacterRelation, []string{"关系", "什么关系", "谁和谁", "是否认识", "立场"}},
			{IntentLocationQuery, []string{"在哪", "哪里", "地点", "去过", "位于", "方位"}},
			{IntentCanonCheck, []string{"设定", "依据", "证据", "原文", "真实吗", "是否属实"}},
			{IntentNextAction, []string{"下一步", "接下来", "怎么办", "如何行动", "建议"}},
			{IntentStoryRecap, []string{"回顾", "总结", "之前", "经过", "复盘", "发生了什么"}},
		},
		aliasToCanonical: make(map[string]string),
		logger:           logger,
	}
	u.loadDictionary(profilesDir, annotatedDir)
	return u
}

func (u *Understander) loadDictionary(profilesDir, annotatedDir string) {
	var names []string

	if entries, err := os.ReadDir(profilesDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			canonical := strings.TrimSpace(strings.TrimSuffix(entry.Name(), ".md"))
			if canonical == "" {
				continue
			}
			names = append(names, canonical)
			u.aliasToCanonical[canonical] = canonical
		}
	}

	nameMap, err := pipeline.LoadNameMap(annotatedDir)
	if err != nil {
		u.logger.Warn("character name map unreadable, aliases disabled", "error", err)
		nameMap = map[string][]string{}
	}
	for canonical, aliases := range nameMap {
		canonical = strings.TrimSpace(canonical)
		if canonical == "" {
			continue
		}
		names = append(names, canonical)
		u.aliasToCanonical[canonical] = canonical
		for _, alias := range aliases {
			if alias = strings.TrimSpace(alias); alias != "" {
				u.aliasToCanonical[alias] = canonical
			}
		}
	}

	u.names = NormalizeEntities(names)
	for _, name := range u.names {
		if _, ok := u.aliasToCanonical[name]; !ok {
			u.aliasToCanonical[name] = name
		}
	}

	// Longer aliases first so a substring alias cannot shadow a longer
	// one; ties break lexicographically for stable output.
	u.sortedAliases = make([]string, 0, len(u.aliasToCanonical))
	for alias := range u.aliasToCanonical {
		u.sortedAliases = append(u.sortedAliases, alias)
	}
	sort.Slice(u.sortedAliases, func(i, j int) bool {
		if len(u.sortedAliases[i]) != len(u.sortedAliases[j]) {
			return len(u.sortedAliases[i]) > len(u.sortedAliases[j])
		}
		return u.sortedAliases[i] < u.sortedAliases[j]
	})
}

// Understand parses one user query. unlockedChapter is the effective
// chapter boundary (runtime and session already reconciled by the
// caller); activeCharacters seed entity extraction when the text itself
// names nobody.
func (u *Understander) Understand(message string, history []Turn, state *SessionState, unlockedChapter int, activeCharacters []string) Understanding {
	if state == nil {
		state = &SessionState{}
	}
	text := strings.TrimSpace(message)

	entities := u.extractEntities(text, history, state, activeCharacters)
	locations := u.extractLocations(text)

	normalized := text
	if len(history) > 0 {
		recent := history
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		parts := make([]string, 0, len(recent)+1)
		for _, turn := range recent {
			parts = append(parts, turn.Content)
		}
		parts = append(parts, text)
		normalized = strings.TrimSpace(strings.Join(parts, "\n"))
	}

	return Understanding{
		Intent:          u.detectIntent(text),
		NormalizedQuery: normalized,
		Entities:        entities,
		Locations:       locations,
		EventKeywords:   TokenizeKeywords(text),
		Constraints: Constraints{
			UnlockedChapter:  unlockedChapter,
			ActiveCharacters: NormalizeEntities(firstNonEmpty(activeCharacters, state.ActiveCharacters)),
			LocationHints:    locations,
		},
	}
}

func (u *Understander) detectIntent(text string) string {
	lowered := strings.ToLower(text)
	for _, rule := range u.rules {
		for _, keyword := range rule.keywords {
			if strings.Contains(text, keyword) || strings.Contains(lowered, keyword) {
				return rule.intent
			}
		}
	}
	return IntentStoryRecap
}

func (u *Understander) extractEntities(text string, history []Turn, state *SessionState, activeCharacters []string) []string {
	matched := u.matchAliases(text)

	if len(matched) == 0 {
		for _, name := range u.names {
			if name != "" && strings.Contains(text, name) {
				matched = append(matched, name)
			}
		}
	}
	if len(matched) == 0 && len(activeCharacters) > 0 {
		matched = append(matched, activeCharacters...)
	}
	if len(matched) == 0 && len(state.ActiveCharacters) > 0 {
		matched = append(matched, state.ActiveCharacters...)
	}
	if len(matched) == 0 && len(history) > 0 {
		recent := history
		if len(recent) > 4 {
			recent = recent[len(recent)-4:]
		}
		var sb strings.Builder
		for _, turn := range recent {
			sb.WriteString(turn.Content)
			sb.WriteByte('\n')
		}
		matched = u.matchAliases(sb.String())
	}

	return NormalizeEntities(matched)
}

func (u *Understander) matchAliases(text string) []string {
	var matched []string
	for _, alias := range u.sortedAliases {
		if alias != "" && strings.Contains(text, alias) {
			matched = append(matched, u.aliasToCanonical[alias])
		}
	}
	return matched
}

func (u *Understander) extractLocations(text string) []string {
	return NormalizeEntities(locationRe.FindAllString(text, -1))
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}
