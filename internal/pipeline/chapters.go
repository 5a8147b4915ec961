package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"airp/internal/textutil"
)

// ChapterSplitter is stage 1: it cuts the uploaded source text into
// chapter files and writes the chapter index manifest.
type ChapterSplitter struct {
	patterns      []*regexp.Regexp
	minChapterLen int
	logger        *slog.Logger
}

// NewChapterSplitter compiles the configured heading patterns.
func NewChapterSplitter(settings Settings, logger *slog.Logger) (*ChapterSplitter, error) {
	settings = settings.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	patterns := make([]*regexp.Regexp, 0, len(settings.ChapterPatterns))
	for _, p := range settings.ChapterPatterns {
		re, err := regexp.Compile("(?m)" + p)
		if err != nil {
			return nil, fmt.Errorf("bad chapter pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &ChapterSplitter{
		patterns:      patterns,
		minChapterLen: settings.MinChapterLength,
		logger:        logger,
	}, nil
}

type chapterSpan struct {
	title string
	start int // byte offset into the cleaned text
	end   int
	index int // 1-based
}

// Run splits the source file into chapters. When the manifest already
// exists and force is false the stage is a no-op.
func (s *ChapterSplitter) Run(sourceFile, chaptersDir string, force bool) error {
	if _, err := os.Stat(IndexPath(chaptersDir)); err == nil && !force {
		s.logger.Info("chapter index already exists, skipping split")
		return nil
	}
	if err := os.MkdirAll(chaptersDir, 0o755); err != nil {
		return fmt.Errorf("failed to create chapters dir: %w", err)
	}

	raw, err := os.ReadFile(sourceFile)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	text, err := textutil.DecodeText(raw)
	if err != nil {
		return fmt.Errorf("failed to decode source file: %w", err)
	}
	text = textutil.CleanText(text)

	s.logger.Info("splitting source text", "chars", utf8.RuneCountInString(text))

	spans := s.findChapters(text)
	if len(spans) == 0 {
		s.logger.Warn("no chapter boundaries found, treating entire text as one chapter")
		spans = []chapterSpan{{title: "全文", start: 0, end: len(text), index: 1}}
	}

	chapters := make([]*ChapterInfo, 0, len(spans))
	for _, span := range spans {
		chapterText := textutil.CleanText(text[span.start:span.end])
		chapterID := ChapterIDForNo(span.index)
		filename := chapterID + ".txt"
		if err := os.WriteFile(filepath.Join(chaptersDir, filename), []byte(chapterText), 0o644); err != nil {
			return fmt.Errorf("failed to write chapter file: %w", err)
		}
		s.logger.Info("saved chapter",
			"chapter", chapterID, "title", span.title, "chars", utf8.RuneCountInString(chapterText))

		chapters = append(chapters, &ChapterInfo{
			ChapterID: chapterID,
			File:      filename,
			Title:     span.title,
			CharCount: utf8.RuneCountInString(chapterText),
			Status:    StatusPending,
		})
	}

	idx := &Index{
		SourceFile:    filepath.Base(sourceFile),
		TotalChapters: len(chapters),
		Chapters:      chapters,
	}
	return idx.Save(chaptersDir)
}

// findChapters collects boundary matches across all patterns, sorted and
// de-duplicated by start offset. Each boundary opens a span ending at the
// next boundary; the last span ends at end-of-text. Spans below the
// minimum length are dropped.
func (s *ChapterSplitter) findChapters(text string) []chapterSpan {
	type boundary struct {
		pos   int
		title string
	}
	var all []boundary
	for _, re := range s.patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			all = append(all, boundary{pos: loc[0], title: text[loc[0]:loc[1]]})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].pos < all[j].pos })

	var unique []boundary
	lastPos := -1
	for _, b := range all {
		if b.pos != lastPos {
			unique = append(unique, b)
			lastPos = b.pos
		}
	}

	var spans []chapterSpan
	for i, b := range unique {
		end := len(text)
		if i < len(unique)-1 {
			end = unique[i+1].pos
		}
		title := strings.TrimSpace(b.title)
		length := utf8.RuneCountInString(text[b.pos:end])
		if length < s.minChapterLen {
			s.logger.Warn("skipping short chapter", "title", title, "chars", length)
			continue
		}
		spans = append(spans, chapterSpan{title: title, start: b.pos, end: end, index: len(spans) + 1})
	}
	return spans
}
