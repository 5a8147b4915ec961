// Package vectorstore implements the per-novel vector shard: an embedded
// SQLite file holding collections of scene embeddings with payloads, with
// semantic search ranked by in-process cosine similarity and structured
// filter search over indexed payload fields.
package vectorstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrCollectionNotFound is returned when a collection does not exist,
// e.g. the shard was wiped between service bootstrap and query time.
var ErrCollectionNotFound = errors.New("collection not found")

// DistanceCosine is the only supported distance; kept in collection
// metadata so a changed declaration forces a rebuild.
const DistanceCosine = "Cosine"

// PointsFileName is the shard database file inside a novel's vector dir.
const PointsFileName = "points.db"

// Payload mirrors the scene fields stored alongside each vector.
type Payload struct {
	Chapter            string   `json:"chapter"`
	ChapterNo          int      `json:"chapter_no"`
	ChapterTitle       string   `json:"chapter_title"`
	SceneIndex         int      `json:"scene_index"`
	SceneSummary       string   `json:"scene_summary"`
	CharCount          int      `json:"char_count"`
	Characters         []string `json:"characters"`
	Location           string   `json:"location"`
	TimeDescription    string   `json:"time_description"`
	EventSummary       string   `json:"event_summary"`
	EmotionTone        string   `json:"emotion_tone"`
	KeyDialogues       []string `json:"key_dialogues"`
	CharacterRelations []string `json:"character_relations"`
	PlotSignificance   string   `json:"plot_significance"`
	Aliases            []string `json:"aliases"`
	EntityTags         []string `json:"entity_tags"`
	SpoilerLevel       int      `json:"spoiler_level"`
	Text               string   `json:"text"`
}

// Point is one upsertable vector with its payload.
type Point struct {
	ID      string
	Vector  []float64
	Payload Payload
}

// ScoredPoint is a search hit with its raw cosine similarity in [-1,1].
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload Payload
}

// Condition matches a payload field against any of the given values.
// Set-valued fields (characters, entity_tags) match on membership.
type Condition struct {
	Field string
	Any   []string
}

// Filter is a disjunction: a point matches when any condition matches.
type Filter struct {
	Should []Condition
}

// CollectionStats summarises one collection.
type CollectionStats struct {
	Name       string `json:"name"`
	Dims       int    `json:"dims"`
	Distance   string `json:"distance"`
	PointCount int    `json:"point_count"`
}

// BuildPointID derives the deterministic UUIDv5 identity of a scene
// vector from its chapter id and scene index. Negative indexes fall back
// to 0 so a malformed scene still gets a stable id.
func BuildPointID(chapterID string, sceneIndex int) string {
	if sceneIndex < 0 {
		sceneIndex = 0
	}
	name := fmt.Sprintf("%s:%06d", chapterID, sceneIndex)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Store is one novel's vector shard.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the shard under dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}

	path := filepath.Join(dir, PointsFileName)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the shard handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var shardSchema = []string{
	`CREATE TABLE IF NOT EXISTS collections (
	  name TEXT PRIMARY KEY,
	  dims INTEGER NOT NULL,
	  distance TEXT NOT NULL,
	  created_at TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS points (
	  collection TEXT NOT NULL,
	  id TEXT NOT NULL,
	  chapter TEXT NOT NULL DEFAULT '',
	  chapter_no INTEGER NOT NULL DEFAULT 0,
	  location TEXT NOT NULL DEFAULT '',
	  plot_significance TEXT NOT NULL DEFAULT '',
	  embedding TEXT NOT NULL,
	  payload TEXT NOT NULL,
	  PRIMARY KEY (collection, id)
	);`,
	`CREATE TABLE IF NOT EXISTS point_characters (
	  collection TEXT NOT NULL,
	  point_id TEXT NOT NULL,
	  name TEXT NOT NULL,
	  PRIMARY KEY (collection, point_id, name)
	);`,
	`CREATE TABLE IF NOT EXISTS point_entity_tags (
	  collection TEXT NOT NULL,
	  point_id TEXT NOT NULL,
	  tag TEXT NOT NULL,
	  PRIMARY KEY (collection, point_id, tag)
	);`,
}

// payloadIndexes mirror the declared index set on the payload fields.
var payloadIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_points_chapter ON points(collection, chapter);`,
	`CREATE INDEX IF NOT EXISTS idx_points_chapter_no ON points(collection, chapter_no);`,
	`CREATE INDEX IF NOT EXISTS idx_points_location ON points(collection, location);`,
	`CREATE INDEX IF NOT EXISTS idx_points_plot_significance ON points(collection, plot_significance);`,
	`CREATE INDEX IF NOT EXISTS idx_point_characters_name ON point_characters(collection, name);`,
	`CREATE INDEX IF NOT EXISTS idx_point_entity_tags_tag ON point_entity_tags(collection, tag);`,
}

func (s *Store) initSchema() error {
	for _, stmt := range shardSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply shard schema: %w", err)
		}
	}
	return nil
}

// EnsureCollection creates the collection if missing. When it exists
// with different dims or distance it is dropped and recreated. Payload
// indexes are (re)declared afterwards; duplicates are swallowed with a
// warning.
func (s *Store) EnsureCollection(name string, dims int, distance string) error {
	if distance == "" {
		distance = DistanceCosine
	}

	var curDims int
	var curDistance string
	err := s.db.QueryRow(`SELECT dims, distance FROM collections WHERE name = ?`, name).
		Scan(&curDims, &curDistance)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// create below
	case err != nil:
		return fmt.Errorf("failed to read collection meta: %w", err)
	case curDims == dims && curDistance == distance:
		return s.declareIndexes()
	default:
		s.logger.Warn("collection config changed, recreating",
			"collection", name, "old_dims", curDims, "new_dims", dims)
		if err := s.DropCollection(name); err != nil {
			return err
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO collections (name, dims, distance, created_at) VALUES (?,?,?,datetime('now'))`,
		name, dims, distance,
	)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return s.declareIndexes()
}

func (s *Store) declareIndexes() error {
	for _, stmt := range payloadIndexes {
		if _, err := s.db.Exec(stmt); err != nil {
			s.logger.Warn("payload index declaration failed", "error", err)
		}
	}
	return nil
}

// DropCollection removes the collection and all of its points.
func (s *Store) DropCollection(name string) error {
	for _, stmt := range []string{
		`DELETE FROM point_characters WHERE collection = ?`,
		`DELETE FROM point_entity_tags WHERE collection = ?`,
		`DELETE FROM points WHERE collection = ?`,
		`DELETE FROM collections WHERE name = ?`,
	} {
		if _, err := s.db.Exec(stmt, name); err != nil {
			return fmt.Errorf("failed to drop collection: %w", err)
		}
	}
	return nil
}

func (s *Store) collectionDims(name string) (int, error) {
	var dims int
	err := s.db.QueryRow(`SELECT dims FROM collections WHERE name = ?`, name).Scan(&dims)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read collection meta: %w", err)
	}
	return dims, nil
}

// UpsertPoints writes points in one transaction, replacing any existing
// rows with the same id. Vector dimensionality must match the collection.
func (s *Store) UpsertPoints(name string, points []Point) error {
	dims, err := s.collectionDims(name)
	if err != nil {
		return err
	}
	for _, p := range points {
		if len(p.Vector) != dims {
			return fmt.Errorf("point %s: vector has %d dims, collection %s declares %d",
				p.ID, len(p.Vector), name, dims)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		embedding, err := json.Marshal(p.Vector)
		if err != nil {
			return fmt.Errorf("failed to encode vector: %w", err)
		}
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}

		_, err = tx.Exec(
			`INSERT OR REPLACE INTO points
			 (collection, id, chapter, chapter_no, location, plot_significance, embedding, payload)
			 VALUES (?,?,?,?,?,?,?,?)`,
			name, p.ID, p.Payload.Chapter, p.Payload.ChapterNo,
			p.Payload.Location, p.Payload.PlotSignificance, string(embedding), string(payload),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}

		// Refresh membership rows for the set-valued fields.
		if _, err := tx.Exec(`DELETE FROM point_characters WHERE collection = ? AND point_id = ?`, name, p.ID); err != nil {
			return fmt.Errorf("failed to clear characters: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM point_entity_tags WHERE collection = ? AND point_id = ?`, name, p.ID); err != nil {
			return fmt.Errorf("failed to clear entity tags: %w", err)
		}
		for _, c := range p.Payload.Characters {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO point_characters (collection, point_id, name) VALUES (?,?,?)`,
				name, p.ID, c); err != nil {
				return fmt.Errorf("failed to index character: %w", err)
			}
		}
		for _, tag := range p.Payload.EntityTags {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO point_entity_tags (collection, point_id, tag) VALUES (?,?,?)`,
				name, p.ID, tag); err != nil {
				return fmt.Errorf("failed to index entity tag: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// DeleteByChapter removes all points of one chapter so a re-vectorised
// chapter never leaves stale duplicates behind.
func (s *Store) DeleteByChapter(name, chapterID string) error {
	if _, err := s.collectionDims(name); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM point_characters WHERE collection = ?1 AND point_id IN
		   (SELECT id FROM points WHERE collection = ?1 AND chapter = ?2)`,
		`DELETE FROM point_entity_tags WHERE collection = ?1 AND point_id IN
		   (SELECT id FROM points WHERE collection = ?1 AND chapter = ?2)`,
		`DELETE FROM points WHERE collection = ?1 AND chapter = ?2`,
	} {
		if _, err := tx.Exec(stmt, name, chapterID); err != nil {
			return fmt.Errorf("failed to delete chapter points: %w", err)
		}
	}
	return tx.Commit()
}

// QuerySemantic ranks points by cosine similarity to vector, restricted
// to the filter when one is given. Scores are the raw cosine in [-1,1].
func (s *Store) QuerySemantic(name string, vector []float64, limit int, filter *Filter) ([]ScoredPoint, error) {
	dims, err := s.collectionDims(name)
	if err != nil {
		return nil, err
	}
	if len(vector) != dims {
		return nil, fmt.Errorf("query vector has %d dims, collection %s declares %d", len(vector), name, dims)
	}
	if limit <= 0 {
		limit = 10
	}

	ids, err := s.matchingIDs(name, filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT id, embedding, payload FROM points WHERE collection = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to scan points: %w", err)
	}
	defer rows.Close()

	var hits []ScoredPoint
	for rows.Next() {
		var id, embedding, payload string
		if err := rows.Scan(&id, &embedding, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		if ids != nil {
			if _, ok := ids[id]; !ok {
				continue
			}
		}

		var vec []float64
		if err := json.Unmarshal([]byte(embedding), &vec); err != nil {
			s.logger.Warn("skipping point with bad embedding", "id", id, "error", err)
			continue
		}
		var pl Payload
		if err := json.Unmarshal([]byte(payload), &pl); err != nil {
			s.logger.Warn("skipping point with bad payload", "id", id, "error", err)
			continue
		}
		hits = append(hits, ScoredPoint{ID: id, Score: cosineSimilarity(vector, vec), Payload: pl})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// QueryFiltered returns up to limit points matching the filter, ordered
// by (chapter_no, scene_index).
func (s *Store) QueryFiltered(name string, filter Filter, limit int) ([]Point, error) {
	if _, err := s.collectionDims(name); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	ids, err := s.matchingIDs(name, &filter)
	if err != nil {
		return nil, err
	}
	if ids != nil && len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT id, payload FROM points WHERE collection = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to scan points: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		if ids != nil {
			if _, ok := ids[id]; !ok {
				continue
			}
		}
		var pl Payload
		if err := json.Unmarshal([]byte(payload), &pl); err != nil {
			continue
		}
		out = append(out, Point{ID: id, Payload: pl})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Payload.ChapterNo != out[j].Payload.ChapterNo {
			return out[i].Payload.ChapterNo < out[j].Payload.ChapterNo
		}
		return out[i].Payload.SceneIndex < out[j].Payload.SceneIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetStats reports collection metadata and its point count.
func (s *Store) GetStats(name string) (CollectionStats, error) {
	var st CollectionStats
	err := s.db.QueryRow(`SELECT name, dims, distance FROM collections WHERE name = ?`, name).
		Scan(&st.Name, &st.Dims, &st.Distance)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionStats{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return CollectionStats{}, fmt.Errorf("failed to read collection meta: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM points WHERE collection = ?`, name).Scan(&st.PointCount); err != nil {
		return CollectionStats{}, fmt.Errorf("failed to count points: %w", err)
	}
	return st, nil
}

// matchingIDs resolves a disjunctive filter to the set of matching point
// ids. A nil filter (or one without conditions) returns nil, meaning
// unrestricted.
func (s *Store) matchingIDs(name string, filter *Filter) (map[string]struct{}, error) {
	if filter == nil || len(filter.Should) == 0 {
		return nil, nil
	}

	ids := make(map[string]struct{})
	for _, cond := range filter.Should {
		if len(cond.Any) == 0 {
			continue
		}
		query, args := conditionQuery(name, cond)
		if query == "" {
			return nil, fmt.Errorf("unsupported filter field: %s", cond.Field)
		}
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate filter on %s: %w", cond.Field, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return ids, nil
}

func conditionQuery(name string, cond Condition) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cond.Any)), ",")
	args := make([]any, 0, len(cond.Any)+1)
	args = append(args, name)
	for _, v := range cond.Any {
		args = append(args, v)
	}

	switch cond.Field {
	case "characters":
		return `SELECT point_id FROM point_characters WHERE collection = ? AND name IN (` + placeholders + `)`, args
	case "entity_tags":
		return `SELECT point_id FROM point_entity_tags WHERE collection = ? AND tag IN (` + placeholders + `)`, args
	case "chapter":
		return `SELECT id FROM points WHERE collection = ? AND chapter IN (` + placeholders + `)`, args
	case "location":
		return `SELECT id FROM points WHERE collection = ? AND location IN (` + placeholders + `)`, args
	case "plot_significance":
		return `SELECT id FROM points WHERE collection = ? AND plot_significance IN (` + placeholders + `)`, args
	default:
		return "", nil
	}
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
