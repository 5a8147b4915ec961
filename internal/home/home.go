// Package home manages the on-disk workspace: the home directory plus
// the owner-scoped layout for novel artifacts, session memory, vector
// shards and job logs.
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultDirName is the default name for the home directory.
	DefaultDirName = ".airp"

	// DataDirName holds user/guest workspaces and the state database.
	DataDirName = "data"

	// VectorDirName holds per-novel vector shards.
	VectorDirName = "vector_db"

	// LogsDirName holds pipeline job logs.
	LogsDirName = "logs"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// DBFileName is the embedded state database file.
	DBFileName = "airp2.sqlite3"

	// SourceFileName is the canonical name of an uploaded novel source.
	SourceFileName = "source.txt"
)

// Dir represents the home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.airp).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}
	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// DataPath returns the path to the data directory.
func (d *Dir) DataPath() string {
	return filepath.Join(d.path, DataDirName)
}

// VectorPath returns the path to the vector shard root.
func (d *Dir) VectorPath() string {
	return filepath.Join(d.path, VectorDirName)
}

// LogsPath returns the path to the logs root.
func (d *Dir) LogsPath() string {
	return filepath.Join(d.path, LogsDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// DBPath returns the path to the embedded state database.
func (d *Dir) DBPath() string {
	return filepath.Join(d.DataPath(), DBFileName)
}

// EnsureExists creates the home directory and its roots if missing.
func (d *Dir) EnsureExists() error {
	for _, p := range []string{d.DataPath(), d.VectorPath(), d.LogsPath()} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// ValidateID rejects identifiers that could escape their directory.
func ValidateID(value, name string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s is empty", name)
	}
	if strings.ContainsAny(value, `/\`) || strings.Contains(value, "..") {
		return "", fmt.Errorf("invalid %s", name)
	}
	return value, nil
}

// UserRoot returns the workspace root for a user.
func (d *Dir) UserRoot(userID string) string {
	return filepath.Join(d.DataPath(), "users", userID)
}

// GuestRoot returns the workspace root for a guest.
func (d *Dir) GuestRoot(guestID string) string {
	return filepath.Join(d.DataPath(), "guests", guestID)
}

// NovelPaths is the artifact layout of one novel workspace.
type NovelPaths struct {
	NovelDir     string
	InputDir     string
	SourceFile   string
	ChaptersDir  string
	ScenesDir    string
	AnnotatedDir string
	ProfilesDir  string
	VectorDBPath string
	LogDir       string
}

// NovelPaths maps (owner, novel) to its artifact directories.
func (d *Dir) NovelPaths(ownerUserID, novelID string) (NovelPaths, error) {
	ownerUserID, err := ValidateID(ownerUserID, "owner_user_id")
	if err != nil {
		return NovelPaths{}, err
	}
	novelID, err = ValidateID(novelID, "novel_id")
	if err != nil {
		return NovelPaths{}, err
	}

	novelDir := filepath.Join(d.UserRoot(ownerUserID), "novels", novelID)
	inputDir := filepath.Join(novelDir, "input")

	return NovelPaths{
		NovelDir:     novelDir,
		InputDir:     inputDir,
		SourceFile:   filepath.Join(inputDir, SourceFileName),
		ChaptersDir:  filepath.Join(novelDir, "chapters"),
		ScenesDir:    filepath.Join(novelDir, "scenes"),
		AnnotatedDir: filepath.Join(novelDir, "annotated"),
		ProfilesDir:  filepath.Join(novelDir, "profiles"),
		VectorDBPath: filepath.Join(d.VectorPath(), "users", ownerUserID, novelID),
		LogDir:       filepath.Join(d.LogsPath(), "users", ownerUserID, "novels", novelID),
	}, nil
}

// EnsureNovelDirs creates all artifact directories for a novel.
func (d *Dir) EnsureNovelDirs(ownerUserID, novelID string) (NovelPaths, error) {
	paths, err := d.NovelPaths(ownerUserID, novelID)
	if err != nil {
		return NovelPaths{}, err
	}
	for _, p := range []string{
		paths.InputDir, paths.ChaptersDir, paths.ScenesDir,
		paths.AnnotatedDir, paths.ProfilesDir, paths.VectorDBPath, paths.LogDir,
	} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return NovelPaths{}, fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return paths, nil
}

// JobLogPath returns the log file for a pipeline job.
func (d *Dir) JobLogPath(ownerUserID, novelID, jobID string) (string, error) {
	paths, err := d.NovelPaths(ownerUserID, novelID)
	if err != nil {
		return "", err
	}
	jobID, err = ValidateID(jobID, "job_id")
	if err != nil {
		return "", err
	}
	return filepath.Join(paths.LogDir, fmt.Sprintf("job_%s.log", jobID)), nil
}

// SessionScopeDir returns the session directory for an actor, optionally
// scoped to a novel. Exactly one of userID/guestID must be set.
func (d *Dir) SessionScopeDir(userID, guestID, novelID string) (string, error) {
	var base string
	switch {
	case userID != "":
		id, err := ValidateID(userID, "user_id")
		if err != nil {
			return "", err
		}
		base = filepath.Join(d.UserRoot(id), "sessions")
	case guestID != "":
		id, err := ValidateID(guestID, "guest_id")
		if err != nil {
			return "", err
		}
		base = filepath.Join(d.GuestRoot(id), "sessions")
	default:
		return "", fmt.Errorf("session scope requires a user or guest id")
	}

	if novelID != "" {
		id, err := ValidateID(novelID, "novel_id")
		if err != nil {
			return "", err
		}
		return filepath.Join(base, "novels", id), nil
	}
	return filepath.Join(base, "global"), nil
}

// DeleteNovel removes a novel workspace, optionally its vector shard too.
// Both paths are re-checked to sit under their roots before removal.
func (d *Dir) DeleteNovel(ownerUserID, novelID string, deleteVectors bool) error {
	paths, err := d.NovelPaths(ownerUserID, novelID)
	if err != nil {
		return err
	}

	if within(paths.NovelDir, d.UserRoot(ownerUserID)) {
		if err := os.RemoveAll(paths.NovelDir); err != nil {
			return fmt.Errorf("failed to delete novel workspace: %w", err)
		}
	}
	if deleteVectors && within(paths.VectorDBPath, filepath.Join(d.VectorPath(), "users", ownerUserID)) {
		if err := os.RemoveAll(paths.VectorDBPath); err != nil {
			return fmt.Errorf("failed to delete vector shard: %w", err)
		}
	}
	return nil
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
