package rp

import (
	"regexp"
	"strings"
)

// stopWords is the closed Chinese/English list filtered out of event
// keywords.
var stopWords = map[string]struct{}{
	"的": {}, "了": {}, "是": {}, "在": {}, "我": {}, "你": {}, "他": {}, "她": {},
	"它": {}, "我们": {}, "你们": {}, "他们": {}, "她们": {}, "它们": {}, "和": {},
	"与": {}, "及": {}, "或": {}, "并": {}, "就": {}, "都": {}, "也": {}, "很": {},
	"还": {}, "吗": {}, "呢": {}, "啊": {}, "吧": {}, "么": {}, "如何": {}, "怎么": {},
	"什么": {}, "哪个": {}, "哪些": {}, "这个": {}, "那个": {}, "这里": {}, "那里": {},
	"一下": {}, "一下子": {}, "请": {}, "帮": {}, "继续": {}, "现在": {}, "之前": {},
	"之后": {},
}

var (
	chineseChunkRe = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{2,}`)
	asciiWordRe    = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_\-]+`)
)

// TokenizeKeywords extracts coarse keywords from mixed Chinese/ASCII
// query text: Chinese chunks of two or more characters plus ASCII words,
// stop-words removed, order-preserving dedupe.
func TokenizeKeywords(text string) []string {
	if text == "" {
		return nil
	}

	var tokens []string
	for _, chunk := range chineseChunkRe.FindAllString(text, -1) {
		if _, stop := stopWords[chunk]; !stop {
			tokens = append(tokens, chunk)
		}
	}
	for _, chunk := range asciiWordRe.FindAllString(text, -1) {
		lowered := strings.ToLower(chunk)
		if _, stop := stopWords[lowered]; !stop {
			tokens = append(tokens, lowered)
		}
	}

	return NormalizeEntities(tokens)
}

// NormalizeEntities trims, drops empties and deduplicates while keeping
// first-occurrence order.
func NormalizeEntities(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		item := strings.TrimSpace(v)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
