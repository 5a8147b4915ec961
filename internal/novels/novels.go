// Package novels is the registry of ingested novels: owner-scoped CRUD,
// status transitions driven by pipeline jobs, and workspace paths.
package novels

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"airp/internal/db"
	"airp/internal/home"
)

var (
	// ErrNotFound is returned for unknown or soft-deleted novels.
	ErrNotFound = errors.New("novel not found")

	// ErrForbidden is returned when a non-owner mutates a novel.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidInput marks caller mistakes (bad visibility, empty owner).
	ErrInvalidInput = errors.New("invalid input")
)

// Novel statuses.
const (
	StatusCreated    = "created"
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
	StatusDeleted    = "deleted"
)

// Visibility values.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// Record is one novel row with its JSON columns decoded.
type Record struct {
	NovelID     string         `json:"novel_id"`
	OwnerUserID string         `json:"-"`
	Title       string         `json:"title"`
	Visibility  string         `json:"visibility"`
	Status      string         `json:"status"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	Source      map[string]any `json:"source"`
	Stats       map[string]any `json:"stats"`
	LastJobID   string         `json:"last_job_id"`
	LastError   string         `json:"last_error"`
}

// PublicView is the reduced shape exposed on the public listing.
type PublicView struct {
	NovelID   string `json:"novel_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// Public converts a record to its public shape.
func (r Record) Public() PublicView {
	return PublicView{NovelID: r.NovelID, Title: r.Title, Status: r.Status, UpdatedAt: r.UpdatedAt}
}

// Service provides novel CRUD over the state database plus the on-disk
// workspace lifecycle.
type Service struct {
	db   *db.DB
	home *home.Dir
}

// NewService creates a novels service.
func NewService(database *db.DB, homeDir *home.Dir) *Service {
	return &Service{db: database, home: homeDir}
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugUnsafe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Create registers an empty private novel and provisions its workspace.
// The id is derived from the title slug plus a random suffix.
func (s *Service) Create(ownerUserID, title string) (Record, error) {
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return Record{}, fmt.Errorf("%w: owner_user_id is empty", ErrInvalidInput)
	}
	title = strings.TrimSpace(title)

	slug := slugify(title)
	if slug == "" {
		slug = "novel"
	}

	var novelID string
	for attempt := 0; ; attempt++ {
		if attempt >= 50 {
			return Record{}, fmt.Errorf("failed to allocate novel id after %d attempts", attempt)
		}
		suffix := make([]byte, 3)
		if _, err := rand.Read(suffix); err != nil {
			return Record{}, fmt.Errorf("failed to generate novel id: %w", err)
		}
		novelID = slug + "-" + hex.EncodeToString(suffix)

		var existing string
		err := s.db.Handle().QueryRow(`SELECT id FROM novels WHERE id = ?`, novelID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return Record{}, fmt.Errorf("failed to check novel id: %w", err)
		}
	}

	now := db.UTCNow()
	_, err := s.db.Handle().Exec(
		`INSERT INTO novels (id, owner_user_id, title, visibility, status, created_at, updated_at, source_meta, stats, last_job_id, last_error)
		 VALUES (?,?,?,?,?,?,?,'{}','{}','','')`,
		novelID, ownerUserID, title, VisibilityPrivate, StatusCreated, now, now,
	)
	if err != nil {
		return Record{}, fmt.Errorf("failed to insert novel: %w", err)
	}

	if _, err := s.home.EnsureNovelDirs(ownerUserID, novelID); err != nil {
		return Record{}, err
	}
	return s.Get(novelID)
}

// Get loads one novel. Soft-deleted novels behave as missing.
func (s *Service) Get(novelID string) (Record, error) {
	novelID, err := home.ValidateID(novelID, "novel_id")
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, novelID)
	}

	row := s.db.Handle().QueryRow(
		`SELECT id, owner_user_id, title, visibility, status, created_at, updated_at, source_meta, stats, last_job_id, last_error
		 FROM novels WHERE id = ?`, novelID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, novelID)
	}
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusDeleted {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, novelID)
	}
	return rec, nil
}

// ListByOwner returns all live novels of one owner, most recent first.
func (s *Service) ListByOwner(ownerUserID string) ([]Record, error) {
	rows, err := s.db.Handle().Query(
		`SELECT id, owner_user_id, title, visibility, status, created_at, updated_at, source_meta, stats, last_job_id, last_error
		 FROM novels WHERE owner_user_id = ? AND status != 'deleted' ORDER BY updated_at DESC`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list novels: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListPublic returns all live public novels, most recent first.
func (s *Service) ListPublic() ([]PublicView, error) {
	rows, err := s.db.Handle().Query(
		`SELECT id, owner_user_id, title, visibility, status, created_at, updated_at, source_meta, stats, last_job_id, last_error
		 FROM novels WHERE visibility = 'public' AND status != 'deleted' ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list public novels: %w", err)
	}
	defer rows.Close()

	recs, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	out := make([]PublicView, len(recs))
	for i, r := range recs {
		out[i] = r.Public()
	}
	return out, nil
}

// AssertOwner loads a novel and checks ownership.
func (s *Service) AssertOwner(ownerUserID, novelID string) (Record, error) {
	rec, err := s.Get(novelID)
	if err != nil {
		return Record{}, err
	}
	if rec.OwnerUserID != ownerUserID {
		return Record{}, ErrForbidden
	}
	return rec, nil
}

// CanRead reports whether the actor may read the novel: owners always,
// everyone else only when it is public.
func (s *Service) CanRead(actorUserID, novelID string) (bool, error) {
	rec, err := s.Get(novelID)
	if err != nil {
		return false, err
	}
	if actorUserID != "" && actorUserID == rec.OwnerUserID {
		return true, nil
	}
	return rec.Visibility == VisibilityPublic, nil
}

// Paths resolves the novel's workspace layout.
func (s *Service) Paths(novelID string) (home.NovelPaths, error) {
	rec, err := s.Get(novelID)
	if err != nil {
		return home.NovelPaths{}, err
	}
	return s.home.NovelPaths(rec.OwnerUserID, rec.NovelID)
}

// Update patches title and/or visibility. Nil pointers leave the field
// untouched.
func (s *Service) Update(ownerUserID, novelID string, title, visibility *string) (Record, error) {
	rec, err := s.AssertOwner(ownerUserID, novelID)
	if err != nil {
		return Record{}, err
	}

	sets := []string{}
	args := []any{}
	if title != nil {
		sets = append(sets, "title = ?")
		args = append(args, strings.TrimSpace(*title))
	}
	if visibility != nil {
		v := strings.ToLower(strings.TrimSpace(*visibility))
		if v != VisibilityPrivate && v != VisibilityPublic {
			return Record{}, fmt.Errorf("%w: visibility must be 'private' or 'public'", ErrInvalidInput)
		}
		sets = append(sets, "visibility = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		return rec, nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, db.UTCNow(), rec.NovelID)
	_, err = s.db.Handle().Exec(
		"UPDATE novels SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return Record{}, fmt.Errorf("failed to update novel: %w", err)
	}
	return s.Get(rec.NovelID)
}

// SetSource records upload metadata and moves the novel to uploaded.
func (s *Service) SetSource(ownerUserID, novelID string, source map[string]any) (Record, error) {
	rec, err := s.AssertOwner(ownerUserID, novelID)
	if err != nil {
		return Record{}, err
	}
	_, err = s.db.Handle().Exec(
		`UPDATE novels SET source_meta = ?, status = ?, updated_at = ?, last_error = '' WHERE id = ?`,
		jsonDump(source), StatusUploaded, db.UTCNow(), rec.NovelID)
	if err != nil {
		return Record{}, fmt.Errorf("failed to record source: %w", err)
	}
	return s.Get(rec.NovelID)
}

// SetProcessing marks the novel as owned by a running job.
func (s *Service) SetProcessing(novelID, jobID string) error {
	return s.exec(
		`UPDATE novels SET status = 'processing', last_job_id = ?, updated_at = ? WHERE id = ?`,
		jobID, db.UTCNow(), novelID)
}

// SetReady marks a successful pipeline run and stores its stats.
func (s *Service) SetReady(novelID, jobID string, stats map[string]any) error {
	return s.exec(
		`UPDATE novels SET status = 'ready', last_job_id = ?, stats = ?, updated_at = ?, last_error = '' WHERE id = ?`,
		jobID, jsonDump(stats), db.UTCNow(), novelID)
}

// SetFailed records a failed pipeline run.
func (s *Service) SetFailed(novelID, jobID, errMsg string) error {
	return s.exec(
		`UPDATE novels SET status = 'failed', last_job_id = ?, updated_at = ?, last_error = ? WHERE id = ?`,
		jobID, db.UTCNow(), errMsg, novelID)
}

// Delete soft-deletes the row (job history stays consistent) and removes
// the workspace from disk.
func (s *Service) Delete(ownerUserID, novelID string, deleteVectors bool) error {
	rec, err := s.AssertOwner(ownerUserID, novelID)
	if err != nil {
		return err
	}
	if err := s.exec(
		`UPDATE novels SET status = 'deleted', updated_at = ? WHERE id = ?`,
		db.UTCNow(), rec.NovelID); err != nil {
		return err
	}
	return s.home.DeleteNovel(rec.OwnerUserID, rec.NovelID, deleteVectors)
}

func (s *Service) exec(query string, args ...any) error {
	if _, err := s.db.Handle().Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update novel: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var sourceMeta, stats string
	err := row.Scan(&rec.NovelID, &rec.OwnerUserID, &rec.Title, &rec.Visibility, &rec.Status,
		&rec.CreatedAt, &rec.UpdatedAt, &sourceMeta, &stats, &rec.LastJobID, &rec.LastError)
	if err != nil {
		return Record{}, err
	}
	rec.Source = jsonLoad(sourceMeta)
	rec.Stats = jsonLoad(stats)
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan novel: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func jsonLoad(value string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(value), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func jsonDump(value map[string]any) string {
	if value == nil {
		return "{}"
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(b)
}
