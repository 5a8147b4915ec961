package rp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	maxSessionTurns    = 20
	maxRecentEntities  = 30
	historyDefaultSize = 10
)

// Turn is one recorded conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      string `json:"ts"`
}

// SessionState is the persistent memory of one RP session.
type SessionState struct {
	SessionID          string   `json:"session_id"`
	MaxUnlockedChapter int      `json:"max_unlocked_chapter"`
	ActiveCharacters   []string `json:"active_characters"`
	CurrentScene       string   `json:"current_scene"`
	LongTermSummary    string   `json:"long_term_summary"`
	Turns              []Turn   `json:"turns"`
	RecentEntities     []string `json:"recent_entities"`
	UpdatedAt          string   `json:"updated_at"`
}

// RecentHistory returns the trailing turns used as implicit query
// context when the caller supplies none.
func (s *SessionState) RecentHistory() []Turn {
	if len(s.Turns) <= historyDefaultSize {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-historyDefaultSize:]
}

// SessionStore persists session state as one JSON file per session under
// an actor-scoped directory.
type SessionStore struct {
	dir string
}

// NewSessionStore creates the store, making the directory if needed.
func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return &SessionStore{dir: dir}, nil
}

func (st *SessionStore) path(sessionID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(sessionID)
	return filepath.Join(st.dir, safe+".json")
}

// Load reads a session, or returns a fresh one seeded with the default
// unlocked chapter when no file exists yet.
func (st *SessionStore) Load(sessionID string, defaultUnlocked int) (*SessionState, error) {
	raw, err := os.ReadFile(st.path(sessionID))
	if os.IsNotExist(err) {
		return &SessionState{
			SessionID:          sessionID,
			MaxUnlockedChapter: defaultUnlocked,
			UpdatedAt:          utcNow(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var state SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", sessionID, err)
	}
	state.SessionID = sessionID
	return &state, nil
}

// Save writes the session back, stamping updated_at.
func (st *SessionStore) Save(state *SessionState) error {
	state.UpdatedAt = utcNow()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.WriteFile(st.path(state.SessionID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// AppendTurn records one message, keeping short memory bounded.
func (st *SessionStore) AppendTurn(state *SessionState, role, content string) {
	state.Turns = append(state.Turns, Turn{Role: role, Content: content, TS: utcNow()})
	if len(state.Turns) > maxSessionTurns {
		state.Turns = state.Turns[len(state.Turns)-maxSessionTurns:]
	}
}

// ApplyRuntimeUpdates folds request-level overrides into the session.
// The unlocked chapter only ever moves forward.
func (st *SessionStore) ApplyRuntimeUpdates(state *SessionState, unlockedChapter *int, activeCharacters []string, currentScene *string) {
	if unlockedChapter != nil && *unlockedChapter > state.MaxUnlockedChapter {
		state.MaxUnlockedChapter = *unlockedChapter
	}
	if activeCharacters != nil {
		state.ActiveCharacters = NormalizeEntities(activeCharacters)
	}
	if currentScene != nil {
		state.CurrentScene = *currentScene
	}
}

// RememberEntities merges newly seen entities into the rolling window.
func (st *SessionStore) RememberEntities(state *SessionState, entities []string) {
	merged := NormalizeEntities(append(append([]string{}, state.RecentEntities...), entities...))
	if len(merged) > maxRecentEntities {
		merged = merged[len(merged)-maxRecentEntities:]
	}
	state.RecentEntities = merged
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
