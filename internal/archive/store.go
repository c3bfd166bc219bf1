// Package archive persists session transcripts as plain text files so a
// whisperer can share a finished session out of band. One file per
// transcript, named by a generated id, scoped under a root directory.
package archive

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ext = ".txt"

// Store is a filesystem transcript store scoped to one root directory.
type Store struct {
	root string
}

// NewStore constructs a store rooted at dir, defaulting to
// local/transcripts under cwd when dir is blank.
func NewStore(dir string) *Store {
	resolved := strings.TrimSpace(dir)
	if resolved == "" {
		resolved = filepath.Join("local", "transcripts")
	}
	return &Store{root: resolved}
}

// Root reports the directory transcripts are written under.
func (s *Store) Root() string {
	return s.root
}

// Save writes the committed lines as one transcript file and returns its
// generated id. The id embeds a fragment of the conversation id so a
// shared directory stays legible across sessions.
func (s *Store) Save(conversation string, lines []string) (string, error) {
	id := transcriptID(conversation)
	p, err := s.resolve(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("archive: create root: %w", err)
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("archive: write transcript %s: %w", id, err)
	}
	return id, nil
}

// Load reads one transcript back as its committed lines.
func (s *Store) Load(id string) ([]string, error) {
	p, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	out, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("archive: read transcript %s: %w", id, err)
	}
	text := strings.TrimRight(string(out), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

// List returns every stored transcript id, sorted.
func (s *Store) List() ([]string, error) {
	root, err := filepath.Abs(s.root)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if !strings.HasSuffix(name, ext) {
			return nil
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
		return nil
	})
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes one transcript. Removing an id that does not exist is
// not an error.
func (s *Store) Remove(id string) error {
	p, err := s.resolve(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: remove transcript %s: %w", id, err)
	}
	return nil
}

func (s *Store) resolve(id string) (string, error) {
	clean := strings.TrimSpace(id)
	if clean == "" {
		return "", fmt.Errorf("archive: missing transcript id")
	}
	if filepath.IsAbs(clean) || strings.ContainsAny(clean, `/\`) {
		return "", fmt.Errorf("archive: invalid transcript id %q", id)
	}
	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	p := filepath.Clean(filepath.Join(root, clean+ext))
	if !isWithin(p, root) {
		return "", fmt.Errorf("archive: transcript id escapes root")
	}
	return p, nil
}

func isWithin(path string, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}

func transcriptID(conversation string) string {
	short := strings.TrimSpace(conversation)
	if len(short) > 8 {
		short = short[:8]
	}
	if short == "" {
		short = "session"
	}
	stamp := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s-%s", short, stamp, uuid.NewString()[:8])
}
