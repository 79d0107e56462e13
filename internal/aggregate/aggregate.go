// Package aggregate holds the files produced during a run. Files are merged
// one task batch at a time, so a task's output becomes visible all at once.
package aggregate

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// GeneratedFile is one file in the aggregate.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	TaskID  string `json:"task_id"`
	Size    int    `json:"size"`
}

// Info is a GeneratedFile without content.
type Info struct {
	Path   string `json:"path"`
	TaskID string `json:"task_id"`
	Size   int    `json:"size"`
}

// Collision records a path written by two different task batches.
type Collision struct {
	Path           string
	PreviousTaskID string
	TaskID         string
}

// MergeResult describes the effect of one Merge call.
type MergeResult struct {
	// Written lists the files of the batch in the order they were merged.
	Written    []GeneratedFile
	Collisions []Collision
	// Replayed is true when the batch was identical to the one already
	// merged for the same task and nothing changed.
	Replayed bool
}

// Input is a file as handed to Merge.
type Input struct {
	Path    string
	Content string
}

// ValidatePath cleans p and rejects empty, absolute and escaping paths.
func ValidatePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty file path")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute file path %q", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("file path %q escapes the project root", p)
	}
	return clean, nil
}

// Store is a path-keyed file set. It is safe for concurrent readers; the run
// coordinator is its only writer.
type Store struct {
	mu      sync.RWMutex
	files   map[string]GeneratedFile
	batches map[string][]GeneratedFile // taskID -> last merged batch
}

// New returns an empty store.
func New() *Store {
	return &Store{
		files:   make(map[string]GeneratedFile),
		batches: make(map[string][]GeneratedFile),
	}
}

// Merge adds one task's batch atomically. Every path is validated before
// anything is written, so an invalid batch leaves the store untouched.
// Duplicate paths within a batch keep the last entry.
func (s *Store) Merge(taskID string, files []Input) (MergeResult, error) {
	batch, err := normalize(taskID, files)
	if err != nil {
		return MergeResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.batches[taskID]; ok && sameBatch(prev, batch) && s.stillOwned(prev) {
		return MergeResult{Replayed: true}, nil
	}

	var res MergeResult
	for _, f := range batch {
		if old, exists := s.files[f.Path]; exists && old.TaskID != taskID && old.Content != f.Content {
			res.Collisions = append(res.Collisions, Collision{
				Path:           f.Path,
				PreviousTaskID: old.TaskID,
				TaskID:         taskID,
			})
		}
		s.files[f.Path] = f
		res.Written = append(res.Written, f)
	}
	s.batches[taskID] = batch
	return res, nil
}

func normalize(taskID string, files []Input) ([]GeneratedFile, error) {
	index := make(map[string]int, len(files))
	batch := make([]GeneratedFile, 0, len(files))
	for _, in := range files {
		p, err := ValidatePath(in.Path)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", taskID, err)
		}
		f := GeneratedFile{Path: p, Content: in.Content, TaskID: taskID, Size: len(in.Content)}
		if i, dup := index[p]; dup {
			batch[i] = f
			continue
		}
		index[p] = len(batch)
		batch = append(batch, f)
	}
	return batch, nil
}

func sameBatch(a, b []GeneratedFile) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// stillOwned reports whether every file of batch is still the current value
// for its path. Callers hold the lock.
func (s *Store) stillOwned(batch []GeneratedFile) bool {
	for _, f := range batch {
		if s.files[f.Path] != f {
			return false
		}
	}
	return true
}

// Get returns the file at path.
func (s *Store) Get(p string) (GeneratedFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[p]
	return f, ok
}

// Len returns the number of files.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// TotalSize returns the sum of all file sizes in bytes.
func (s *Store) TotalSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, f := range s.files {
		total += f.Size
	}
	return total
}

// Snapshot returns every file sorted by path.
func (s *Store) Snapshot() []GeneratedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]GeneratedFile, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Infos returns path, owner and size of every file, sorted by path.
func (s *Store) Infos() []Info {
	files := s.Snapshot()
	out := make([]Info, len(files))
	for i, f := range files {
		out[i] = Info{Path: f.Path, TaskID: f.TaskID, Size: f.Size}
	}
	return out
}

// Paths returns every path in sorted order.
func (s *Store) Paths() []string {
	infos := s.Infos()
	out := make([]string, len(infos))
	for i, in := range infos {
		out[i] = in.Path
	}
	return out
}

// FilesFrom returns the current files owned by any of the given tasks,
// sorted by path. A file overwritten by another task is not included.
func (s *Store) FilesFrom(taskIDs ...string) []GeneratedFile {
	want := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = true
	}

	var out []GeneratedFile
	for _, f := range s.Snapshot() {
		if want[f.TaskID] {
			out = append(out, f)
		}
	}
	return out
}
