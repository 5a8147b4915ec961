package fuzzy

import "testing"

func TestFind(t *testing.T) {
	text := "夜幕降临，许七安提着灯笼走进衙门。大堂里烛火摇曳，朱县令正伏案批阅卷宗。"

	t.Run("exact match", func(t *testing.T) {
		pos := Find(text, "许七安提着灯笼", DefaultThreshold)
		if pos != 5 {
			t.Errorf("got %d, want 5", pos)
		}
	})

	t.Run("approximate match", func(t *testing.T) {
		// Marker drops one character relative to the source.
		pos := Find(text, "朱县令伏案批阅", DefaultThreshold)
		if pos == -1 {
			t.Fatal("expected a match")
		}
		if pos < 20 {
			t.Errorf("matched too early at %d", pos)
		}
	})

	t.Run("whitespace insensitive", func(t *testing.T) {
		pos := Find(text, "许七安 提着 灯笼", DefaultThreshold)
		if pos == -1 {
			t.Fatal("expected a match")
		}
	})

	t.Run("no match", func(t *testing.T) {
		if pos := Find(text, "完全无关的一段文字内容", 0.9); pos != -1 {
			t.Errorf("got %d, want -1", pos)
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if Find("", "x", DefaultThreshold) != -1 || Find("x", "", DefaultThreshold) != -1 {
			t.Error("empty input should not match")
		}
	})
}

func TestConfidence(t *testing.T) {
	text := "许七安提着灯笼走进衙门。"

	pos, conf := Confidence(text, "许七安提着灯笼", DefaultThreshold)
	if pos != 0 {
		t.Errorf("pos = %d, want 0", pos)
	}
	if conf != 1.0 {
		t.Errorf("conf = %f, want 1.0", conf)
	}

	pos, conf = Confidence(text, "毫不相干", 0.95)
	if pos != -1 || conf != 0.0 {
		t.Errorf("got (%d, %f), want (-1, 0)", pos, conf)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(" A b\tC\n"); got != "abc" {
		t.Errorf("got %q", got)
	}
}
