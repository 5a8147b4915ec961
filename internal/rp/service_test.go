package rp

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"airp/internal/home"
	"airp/internal/pipeline"
	"airp/internal/providers"
	"airp/internal/vectorstore"
)

const testCollection = "novel_scenes"

// seedNovel lays out a minimal ready novel: a three-scene vector shard,
// one profile and an alias map.
func seedNovel(t *testing.T) home.NovelPaths {
	t.Helper()

	dir, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New: %v", err)
	}
	paths, err := dir.EnsureNovelDirs("user1", "novel1")
	if err != nil {
		t.Fatalf("EnsureNovelDirs: %v", err)
	}

	store, err := vectorstore.Open(paths.VectorDBPath, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	if err := store.EnsureCollection(testCollection, 4, vectorstore.DistanceCosine); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	points := []vectorstore.Point{
		{
			ID:     vectorstore.BuildPointID("chapter_0001", 0),
			Vector: fakeEmbedding("公堂受审", 4),
			Payload: vectorstore.Payload{
				Chapter:      "chapter_0001",
				ChapterNo:    1,
				ChapterTitle: "公堂风波",
				SceneIndex:   0,
				SceneSummary: "公堂受审",
				EventSummary: "许七安当堂辩冤",
				Characters:   []string{"许七安", "朱县令"},
				Location:     "公堂",
				Text:         "公堂之上，许七安据理力争。",
			},
		},
		{
			ID:     vectorstore.BuildPointID("chapter_0001", 1),
			Vector: fakeEmbedding("大牢夜话", 4),
			Payload: vectorstore.Payload{
				Chapter:      "chapter_0001",
				ChapterNo:    1,
				ChapterTitle: "公堂风波",
				SceneIndex:   1,
				SceneSummary: "大牢夜话",
				EventSummary: "许七安在狱中推演案情",
				Characters:   []string{"许七安"},
				Location:     "牢房",
				Text:         "大牢之中，许七安彻夜未眠。",
			},
		},
		{
			ID:     vectorstore.BuildPointID("chapter_0009", 0),
			Vector: fakeEmbedding("真凶现身", 4),
			Payload: vectorstore.Payload{
				Chapter:      "chapter_0009",
				ChapterNo:    9,
				ChapterTitle: "真相大白",
				SceneIndex:   0,
				SceneSummary: "真凶现身",
				EventSummary: "幕后真凶落网",
				Characters:   []string{"许七安"},
				Location:     "县衙",
				Text:         "真凶终于浮出水面。",
			},
		},
	}
	if err := store.UpsertPoints(testCollection, points); err != nil {
		t.Fatalf("UpsertPoints: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("store.Close: %v", err)
	}

	profile := "# 许七安 - 角色档案\n\n打更人衙门的小银锣，擅长断案。\n"
	if err := os.WriteFile(filepath.Join(paths.ProfilesDir, "许七安.md"), []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if err := pipeline.SaveNameMap(paths.AnnotatedDir, map[string][]string{"许七安": {"宁宴"}}); err != nil {
		t.Fatalf("SaveNameMap: %v", err)
	}

	return paths
}

func newTestService(t *testing.T, model *fakeModel) (*Service, *SessionStore) {
	t.Helper()
	paths := seedNovel(t)

	svc, err := NewService(paths, Settings{},
		providers.NewEmbeddingClient(model.embedConfig()),
		providers.NewChatClient(model.chatConfig()),
		slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	sessions, err := NewSessionStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	return svc, sessions
}

func TestQueryContext(t *testing.T) {
	model := newFakeModel(t, 4, func(prompt string) (string, bool) {
		return "好的。", true
	})
	svc, sessions := newTestService(t, model)

	unlocked := 5
	result, err := svc.QueryContext(context.Background(), sessions, QueryRequest{
		Message:         "宁宴在公堂上做了什么",
		SessionID:       "s1",
		UnlockedChapter: &unlocked,
	})
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}

	if result.QueryUnderstanding.Intent == "" {
		t.Fatal("intent missing")
	}
	if len(result.QueryUnderstanding.Entities) == 0 || result.QueryUnderstanding.Entities[0] != "许七安" {
		t.Fatalf("entities = %v, alias not resolved", result.QueryUnderstanding.Entities)
	}
	if result.QueryUnderstanding.Constraints.UnlockedChapter != 5 {
		t.Fatalf("unlocked = %d", result.QueryUnderstanding.Constraints.UnlockedChapter)
	}

	if len(result.Citations) == 0 {
		t.Fatal("no citations returned")
	}
	for _, c := range result.Citations {
		if c.Chapter == "chapter_0009" {
			t.Fatalf("spoiler chapter cited: %+v", c)
		}
	}

	// The profile channel must contribute character state.
	if len(result.WorldbookContext.CharacterState) == 0 {
		t.Fatal("no character state from profile channel")
	}
	if result.WorldbookContext.CharacterState[0].Character != "许七安" {
		t.Fatalf("character state = %+v", result.WorldbookContext.CharacterState[0])
	}

	if !strings.Contains(strings.Join(result.WorldbookContext.Forbidden, "\n"), "chapter>5") {
		t.Fatalf("anti-spoiler rule missing: %v", result.WorldbookContext.Forbidden)
	}

	for _, channel := range []string{"vector", "filter", "profile", "merged", "ranked"} {
		if _, ok := result.DebugScores.Counts[channel]; !ok {
			t.Errorf("debug counts missing %q", channel)
		}
	}
	if len(result.DebugScores.Errors) != 0 {
		t.Fatalf("unexpected channel errors: %v", result.DebugScores.Errors)
	}

	// The user turn and its entities land in the session.
	state, err := sessions.Load("s1", 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Turns) != 1 || state.Turns[0].Role != "user" {
		t.Fatalf("session turns = %+v", state.Turns)
	}
	if state.MaxUnlockedChapter != 5 {
		t.Fatalf("session unlocked = %d", state.MaxUnlockedChapter)
	}
	found := false
	for _, e := range state.RecentEntities {
		if e == "许七安" {
			found = true
		}
	}
	if !found {
		t.Fatalf("recent entities = %v", state.RecentEntities)
	}
}

func TestRespondGrounded(t *testing.T) {
	var sawWorldbook bool
	model := newFakeModel(t, 4, func(prompt string) (string, bool) {
		if strings.Contains(prompt, "worldbook_context") && strings.Contains(prompt, "玩家消息") {
			sawWorldbook = true
		}
		return "许七安正在公堂辩冤。", true
	})
	svc, sessions := newTestService(t, model)

	unlocked := 5
	result, err := svc.Respond(context.Background(), sessions, RespondRequest{
		QueryRequest: QueryRequest{
			Message:         "宁宴现在的处境如何",
			SessionID:       "s1",
			UnlockedChapter: &unlocked,
		},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !sawWorldbook {
		t.Fatal("grounding prompt never reached the model")
	}
	if !strings.HasPrefix(result.AssistantReply, "许七安正在公堂辩冤。") {
		t.Fatalf("reply = %q", result.AssistantReply)
	}
	if !strings.Contains(result.AssistantReply, "参考来源:") {
		t.Fatalf("citation footer missing: %q", result.AssistantReply)
	}
	if len(result.Citations) == 0 {
		t.Fatal("citations missing")
	}

	// One user turn plus one assistant turn, no duplicates from the
	// internal QueryContext call.
	state, err := sessions.Load("s1", 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Turns) != 2 {
		t.Fatalf("turns = %d, want 2: %+v", len(state.Turns), state.Turns)
	}
	if state.Turns[0].Role != "user" || state.Turns[1].Role != "assistant" {
		t.Fatalf("turn roles = %s/%s", state.Turns[0].Role, state.Turns[1].Role)
	}
}

func TestRespondModelDownFallback(t *testing.T) {
	model := newFakeModel(t, 4, func(prompt string) (string, bool) {
		return "", false
	})
	svc, sessions := newTestService(t, model)

	unlocked := 5
	result, err := svc.Respond(context.Background(), sessions, RespondRequest{
		QueryRequest: QueryRequest{
			Message:         "宁宴现在的处境如何",
			SessionID:       "s1",
			UnlockedChapter: &unlocked,
		},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !strings.HasPrefix(result.AssistantReply, "根据当前证据：") {
		t.Fatalf("expected deterministic fallback, got %q", result.AssistantReply)
	}
	if len(result.Citations) == 0 {
		t.Fatal("fallback must still carry citations")
	}
}

func TestRespondNoEvidence(t *testing.T) {
	model := newFakeModel(t, 4, func(prompt string) (string, bool) {
		t.Error("chat model must not be called without evidence")
		return "", false
	})
	svc, sessions := newTestService(t, model)

	wb := &Worldbook{Facts: []Fact{}, CharacterState: []CharacterState{}, TimelineNotes: []TimelineNote{}}
	result, err := svc.Respond(context.Background(), sessions, RespondRequest{
		QueryRequest: QueryRequest{
			Message:   "完全无关的问题",
			SessionID: "s1",
		},
		WorldbookContext: wb,
		Citations:        []Citation{},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if result.AssistantReply != respondNoEvidenceReply {
		t.Fatalf("reply = %q", result.AssistantReply)
	}

	state, _ := sessions.Load("s1", 0)
	if len(state.Turns) != 2 || state.Turns[1].Content != respondNoEvidenceReply {
		t.Fatalf("session turns = %+v", state.Turns)
	}
}

func TestRespondWithSuppliedContext(t *testing.T) {
	calls := 0
	model := newFakeModel(t, 4, func(prompt string) (string, bool) {
		calls++
		if !strings.Contains(prompt, "预制事实") {
			t.Errorf("prompt missing supplied fact: %q", prompt)
		}
		return "基于预制事实的回答。", true
	})
	svc, sessions := newTestService(t, model)

	scene := 0
	wb := &Worldbook{
		Facts: []Fact{{
			FactText:      "预制事实",
			SourceChapter: "chapter_0001",
			SourceScene:   &scene,
			Confidence:    0.9,
		}},
		CharacterState: []CharacterState{},
		TimelineNotes:  []TimelineNote{},
	}
	citations := []Citation{{
		SourceType: SourceScene,
		SourceID:   "p1",
		Chapter:    "chapter_0001",
		SceneIndex: &scene,
	}}

	result, err := svc.Respond(context.Background(), sessions, RespondRequest{
		QueryRequest:     QueryRequest{Message: "继续", SessionID: "s1"},
		WorldbookContext: wb,
		Citations:        citations,
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if calls != 1 {
		t.Fatalf("chat calls = %d, want 1 (no internal retrieval)", calls)
	}
	if !strings.HasPrefix(result.AssistantReply, "基于预制事实的回答。") {
		t.Fatalf("reply = %q", result.AssistantReply)
	}
}

func TestGetSession(t *testing.T) {
	model := newFakeModel(t, 4, func(prompt string) (string, bool) { return "好。", true })
	svc, sessions := newTestService(t, model)

	unlocked := 3
	if _, err := svc.QueryContext(context.Background(), sessions, QueryRequest{
		Message:         "宁宴在哪",
		SessionID:       "s9",
		UnlockedChapter: &unlocked,
	}); err != nil {
		t.Fatalf("QueryContext: %v", err)
	}

	state, err := svc.GetSession(sessions, "s9")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if state.MaxUnlockedChapter != 3 || len(state.Turns) != 1 {
		t.Fatalf("state = %+v", state)
	}

	fresh, err := svc.GetSession(sessions, "never-seen")
	if err != nil {
		t.Fatalf("GetSession fresh: %v", err)
	}
	if len(fresh.Turns) != 0 {
		t.Fatalf("fresh session has turns: %+v", fresh.Turns)
	}
}

func TestCacheLifecycle(t *testing.T) {
	model := newFakeModel(t, 4, func(prompt string) (string, bool) { return "好。", true })
	paths := seedNovel(t)

	builds := 0
	cache := NewCache(func(novelID string) (*Service, error) {
		builds++
		return NewService(paths, Settings{},
			providers.NewEmbeddingClient(model.embedConfig()),
			providers.NewChatClient(model.chatConfig()), nil)
	})
	defer cache.Close()

	first, err := cache.Get("novel1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := cache.Get("novel1")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if first != second {
		t.Fatal("cache returned a different service for the same novel")
	}
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}

	cache.Invalidate("novel1")
	third, err := cache.Get("novel1")
	if err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if third == first {
		t.Fatal("invalidate did not rebuild the service")
	}
	if builds != 2 {
		t.Fatalf("builds = %d, want 2", builds)
	}
}
