package rp

import (
	"context"
	"fmt"
	"log/slog"

	"airp/internal/home"
	"airp/internal/providers"
	"airp/internal/vectorstore"
)

// Settings are the retrieval tunables of one novel's RP service.
type Settings struct {
	VectorTopK     int
	FilterTopK     int
	ProfileTopK    int
	MaxFacts       int
	MaxCandidates  int
	CollectionName string
	ChatModel      string
}

func (s Settings) withDefaults() Settings {
	if s.VectorTopK <= 0 {
		s.VectorTopK = 30
	}
	if s.FilterTopK <= 0 {
		s.FilterTopK = 20
	}
	if s.ProfileTopK <= 0 {
		s.ProfileTopK = 10
	}
	if s.MaxFacts <= 0 {
		s.MaxFacts = 8
	}
	if s.MaxCandidates <= 0 {
		s.MaxCandidates = 60
	}
	if s.CollectionName == "" {
		s.CollectionName = "novel_scenes"
	}
	return s
}

// QueryRequest is the common input of the query and respond operations.
// UnlockedChapter nil leaves the session's boundary untouched;
// RecentMessages nil falls back to the session's own recent turns.
type QueryRequest struct {
	Message          string   `json:"message"`
	SessionID        string   `json:"session_id"`
	UnlockedChapter  *int     `json:"unlocked_chapter"`
	ActiveCharacters []string `json:"active_characters"`
	RecentMessages   []Turn   `json:"recent_messages"`
}

// QueryContextResult is the evidence payload of query-context.
type QueryContextResult struct {
	SessionID          string        `json:"session_id"`
	WorldbookContext   Worldbook     `json:"worldbook_context"`
	Citations          []Citation    `json:"citations"`
	DebugScores        Debug         `json:"debug_scores"`
	QueryUnderstanding Understanding `json:"query_understanding"`
}

// RespondRequest optionally carries a pre-built worldbook so the caller
// can split context retrieval and response generation into two calls.
type RespondRequest struct {
	QueryRequest
	WorldbookContext *Worldbook `json:"worldbook_context"`
	Citations        []Citation `json:"citations"`
}

// RespondResult is the grounded reply payload.
type RespondResult struct {
	AssistantReply   string     `json:"assistant_reply"`
	Citations        []Citation `json:"citations"`
	WorldbookContext Worldbook  `json:"worldbook_context"`
}

// Service answers RP queries against one novel's artifacts: its vector
// shard, profile files and character dictionary. Session stores are
// passed per call because sessions are scoped to the actor, not the
// novel.
type Service struct {
	settings   Settings
	store      *vectorstore.Store
	understand *Understander
	orch       *Orchestrator
	worldbook  *WorldbookBuilder
	chat       *providers.ChatClient
	logger     *slog.Logger
}

// NewService opens the novel's vector shard and builds the retrieval
// stack. Callers own the returned service and must Close it.
func NewService(paths home.NovelPaths, settings Settings, embed *providers.EmbeddingClient, chat *providers.ChatClient, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	settings = settings.withDefaults()

	store, err := vectorstore.Open(paths.VectorDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector shard: %w", err)
	}

	retr := &retrievers{
		store:       store,
		embed:       embed,
		collection:  settings.CollectionName,
		profilesDir: paths.ProfilesDir,
	}
	return &Service{
		settings:   settings,
		store:      store,
		understand: NewUnderstander(paths.ProfilesDir, paths.AnnotatedDir, logger),
		orch:       newOrchestrator(retr, settings, logger),
		worldbook:  NewWorldbookBuilder(settings.MaxFacts),
		chat:       chat,
		logger:     logger,
	}, nil
}

// Close releases the vector shard handle.
func (s *Service) Close() error {
	return s.store.Close()
}

// QueryContext parses the message, runs retrieval and assembles the
// worldbook, recording the user turn in the session.
func (s *Service) QueryContext(ctx context.Context, sessions *SessionStore, req QueryRequest) (*QueryContextResult, error) {
	state, err := sessions.Load(req.SessionID, derefOrZero(req.UnlockedChapter))
	if err != nil {
		return nil, err
	}
	sessions.ApplyRuntimeUpdates(state, req.UnlockedChapter, req.ActiveCharacters, nil)

	history := req.RecentMessages
	if history == nil {
		history = state.RecentHistory()
	}

	u := s.understand.Understand(req.Message, history, state, state.MaxUnlockedChapter, state.ActiveCharacters)
	ranked, debug := s.orch.Retrieve(ctx, u, state)
	wb, citations := s.worldbook.Build(ranked, u)

	sessions.AppendTurn(state, "user", req.Message)
	sessions.RememberEntities(state, u.Entities)
	if err := sessions.Save(state); err != nil {
		return nil, err
	}

	return &QueryContextResult{
		SessionID:          req.SessionID,
		WorldbookContext:   wb,
		Citations:          citations,
		DebugScores:        debug,
		QueryUnderstanding: u,
	}, nil
}

// Respond produces a grounded assistant reply. Without a supplied
// worldbook it runs QueryContext first. Model failure degrades to a
// deterministic fact listing rather than an error.
func (s *Service) Respond(ctx context.Context, sessions *SessionStore, req RespondRequest) (*RespondResult, error) {
	wb := req.WorldbookContext
	citations := req.Citations
	if wb == nil || citations == nil {
		contextResult, err := s.QueryContext(ctx, sessions, req.QueryRequest)
		if err != nil {
			return nil, err
		}
		wb = &contextResult.WorldbookContext
		citations = contextResult.Citations
	}

	state, err := sessions.Load(req.SessionID, derefOrZero(req.UnlockedChapter))
	if err != nil {
		return nil, err
	}
	sessions.ApplyRuntimeUpdates(state, req.UnlockedChapter, req.ActiveCharacters, nil)

	// QueryContext may already have recorded this exact user turn.
	if n := len(state.Turns); n == 0 || state.Turns[n-1].Role != "user" || state.Turns[n-1].Content != req.Message {
		sessions.AppendTurn(state, "user", req.Message)
	}

	if !HasEnoughEvidence(citations) {
		sessions.AppendTurn(state, "assistant", respondNoEvidenceReply)
		if err := sessions.Save(state); err != nil {
			return nil, err
		}
		return &RespondResult{
			AssistantReply:   respondNoEvidenceReply,
			Citations:        citations,
			WorldbookContext: *wb,
		}, nil
	}

	reply, err := s.chat.Call(ctx, providers.ChatRequest{
		Prompt:       ComposeGroundingPrompt(req.Message, *wb),
		SystemPrompt: GroundingSystemPrompt(),
		Model:        s.settings.ChatModel,
		Temperature:  0.4,
	})
	if err != nil {
		s.logger.Warn("grounded reply failed, using fact fallback", "error", err)
		reply = FallbackReply(*wb)
	}
	reply = AppendCitationFooter(reply, citations)

	sessions.AppendTurn(state, "assistant", reply)
	if err := sessions.Save(state); err != nil {
		return nil, err
	}

	return &RespondResult{
		AssistantReply:   reply,
		Citations:        citations,
		WorldbookContext: *wb,
	}, nil
}

// GetSession returns the current session state for inspection.
func (s *Service) GetSession(sessions *SessionStore, sessionID string) (*SessionState, error) {
	return sessions.Load(sessionID, 0)
}

func derefOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
