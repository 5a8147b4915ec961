// Package textutil provides encoding detection and text normalization
// helpers shared by the ingestion pipeline and the retrieval layer.
package textutil

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

var multiBlankLines = regexp.MustCompile(`\n{3,}`)

// DecodeText converts raw file bytes to a UTF-8 string. UTF-8 (with or
// without BOM) and UTF-16 (BOM required) are handled directly; anything
// else is assumed to be GB18030, which covers GBK and GB2312 sources.
func DecodeText(raw []byte) (string, error) {
	switch {
	case bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}):
		return string(raw[3:]), nil
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}) || bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		out, err := dec.Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(out), nil
	case utf8.Valid(raw):
		return string(raw), nil
	default:
		out, err := simplifiedchinese.GB18030.NewDecoder().Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

var punctReplacer = strings.NewReplacer(
	"，", ",",
	"。", ".",
	"！", "!",
	"？", "?",
	"；", ";",
	"：", ":",
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
	"（", "(",
	"）", ")",
	"【", "[",
	"】", "]",
)

// NormalizePunctuation maps full-width punctuation to half-width.
func NormalizePunctuation(text string) string {
	return punctReplacer.Replace(text)
}

// CleanText collapses runs of blank lines and trims surrounding whitespace.
func CleanText(text string) string {
	text = multiBlankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

var sentenceEnds = []rune{'.', '!', '?', '。', '！', '？'}

// FindSentenceEnd returns the index just past the nearest sentence-ending
// punctuation at or after start. If none is found, start is returned.
func FindSentenceEnd(text []rune, start int) int {
	for i := start; i < len(text); i++ {
		for _, p := range sentenceEnds {
			if text[i] == p {
				return i + 1
			}
		}
	}
	return start
}

// Shorten truncates text to at most n runes, appending an ellipsis when
// anything was cut.
func Shorten(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}

var chineseChar = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)

// CountChineseChars counts CJK unified ideographs in text.
func CountChineseChars(text string) int {
	return len(chineseChar.FindAllString(text, -1))
}
