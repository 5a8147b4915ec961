package providers

import (
	"context"
	"testing"
	"time"
)

func TestPacerTighten(t *testing.T) {
	p := &Pacer{}

	p.Tighten(100 * time.Millisecond)
	if got := p.Interval(); got != 100*time.Millisecond {
		t.Errorf("interval = %v, want 100ms", got)
	}

	// A looser limit never relaxes the interval.
	p.Tighten(50 * time.Millisecond)
	if got := p.Interval(); got != 100*time.Millisecond {
		t.Errorf("interval = %v, want 100ms after looser Tighten", got)
	}

	p.Tighten(200 * time.Millisecond)
	if got := p.Interval(); got != 200*time.Millisecond {
		t.Errorf("interval = %v, want 200ms", got)
	}
}

func TestPacerWaitSpacesStarts(t *testing.T) {
	p := &Pacer{}
	p.Tighten(30 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	elapsed := time.Since(start)

	// First start is immediate; the next two are spaced 30ms apart.
	if elapsed < 60*time.Millisecond {
		t.Errorf("three starts took %v, want >= 60ms", elapsed)
	}
}

func TestPacerWaitContextCancelled(t *testing.T) {
	p := &Pacer{}
	p.Tighten(time.Minute)

	// Consume the immediate slot so the next wait actually blocks.
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("expected context error")
	}
}

func TestPacerRegistrySharesByEndpoint(t *testing.T) {
	reg := NewPacerRegistry()

	a := reg.For("https://api.example.com/v1", "key-1", 60)
	b := reg.For("https://api.example.com/v1", "key-1", 30)
	if a != b {
		t.Fatal("same endpoint should share one pacer")
	}
	// 30 rpm is stricter than 60 rpm.
	if got := a.Interval(); got != 2*time.Second {
		t.Errorf("interval = %v, want 2s", got)
	}

	c := reg.For("https://api.example.com/v1", "key-2", 60)
	if c == a {
		t.Error("different api key should get its own pacer")
	}
}
