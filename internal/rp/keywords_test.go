package rp

import (
	"reflect"
	"testing"
)

func TestTokenizeKeywords(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "contiguous run stays one chunk",
			text: "许七安在哪里遇到了银锣",
			want: []string{"许七安在哪里遇到了银锣"},
		},
		{
			name: "stop words removed",
			text: "许七安 遇到 什么 危机",
			want: []string{"许七安", "遇到", "危机"},
		},
		{
			name: "ascii lowered and deduped after chinese",
			text: "boss BOSS 挑战 boss",
			want: []string{"挑战", "boss"},
		},
		{
			name: "dedupe keeps first occurrence",
			text: "打更人 打更人 夜巡",
			want: []string{"打更人", "夜巡"},
		},
		{
			name: "single chars dropped",
			text: "我 你 他",
			want: nil,
		},
		{
			name: "empty",
			text: "",
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TokenizeKeywords(tc.text)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("TokenizeKeywords(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestNormalizeEntities(t *testing.T) {
	got := NormalizeEntities([]string{" 许七安 ", "", "朱县令", "许七安", "  "})
	want := []string{"许七安", "朱县令"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeEntities = %v, want %v", got, want)
	}

	if out := NormalizeEntities(nil); out != nil {
		t.Fatalf("expected nil for empty input, got %v", out)
	}
}
