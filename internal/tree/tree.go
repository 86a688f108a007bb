// Package tree reads and writes the two artifact trees kept in sync: the
// specification tree and the generated-output (code) tree. Files are mapped
// to stable entity keys shared across both trees.
package tree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Kind names one of the two trees.
type Kind string

const (
	KindSpec Kind = "spec"
	KindCode Kind = "code"
)

// SpecExtension is the file extension of specification artifacts.
const SpecExtension = ".md"

var (
	ErrNotFound     = errors.New("tree: entity not found")
	ErrInvalidKey   = errors.New("tree: invalid entity key")
	ErrDuplicateKey = errors.New("tree: duplicate entity key")
)

// Entity is one artifact as currently stored in a tree.
type Entity struct {
	Key     string      `json:"key"`
	Path    string      `json:"path"`
	Hash    string      `json:"hash"`
	Content []byte      `json:"-"`
	Meta    FrontMatter `json:"meta"`
	ModTime time.Time   `json:"mod_time"`
}

// Hash returns the hex SHA-256 of content. Entity versions are content hashes.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Tree is a directory of artifacts with a single file extension.
type Tree struct {
	kind Kind
	root string
	ext  string
}

// New roots a tree at dir. ext selects the files that hold artifacts.
func New(kind Kind, dir, ext string) *Tree {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Tree{kind: kind, root: filepath.Clean(dir), ext: ext}
}

// Kind reports which side this tree is.
func (t *Tree) Kind() Kind { return t.kind }

// Root returns the directory backing the tree.
func (t *Tree) Root() string { return t.root }

// Snapshot reads every artifact in the tree keyed by entity key. A missing
// root yields an empty snapshot.
func (t *Tree) Snapshot(ctx context.Context) (map[string]Entity, error) {
	out := make(map[string]Entity)
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == t.root {
				return filepath.SkipDir
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != t.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), t.ext) {
			return nil
		}
		entity, err := t.load(path)
		if err != nil {
			return err
		}
		if existing, ok := out[entity.Key]; ok {
			return fmt.Errorf("%w: %s in %s and %s", ErrDuplicateKey, entity.Key, existing.Path, entity.Path)
		}
		out[entity.Key] = entity
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipDir) {
		return nil, fmt.Errorf("tree: scan %s tree: %w", t.kind, err)
	}
	return out, nil
}

// Keys returns the sorted entity keys of a snapshot.
func Keys(snapshot map[string]Entity) []string {
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Read returns a single entity. The conventional path for the key is tried
// first; otherwise the tree is scanned for a frontmatter match.
func (t *Tree) Read(ctx context.Context, key string) (Entity, error) {
	path, err := t.PathFor(key)
	if err != nil {
		return Entity{}, err
	}
	if entity, err := t.load(path); err == nil && entity.Key == key {
		return entity, nil
	}
	snapshot, err := t.Snapshot(ctx)
	if err != nil {
		return Entity{}, err
	}
	entity, ok := snapshot[key]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s in %s tree", ErrNotFound, key, t.kind)
	}
	return entity, nil
}

// Write stores content for key, replacing the existing artifact in place or
// creating it at the conventional path.
func (t *Tree) Write(ctx context.Context, key string, content []byte) (Entity, error) {
	path, err := t.PathFor(key)
	if err != nil {
		return Entity{}, err
	}
	if existing, err := t.Read(ctx, key); err == nil {
		path = existing.Path
	} else if !errors.Is(err, ErrNotFound) {
		return Entity{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Entity{}, fmt.Errorf("tree: ensure dir for %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return Entity{}, fmt.Errorf("tree: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Entity{}, fmt.Errorf("tree: replace %s: %w", key, err)
	}
	return t.load(path)
}

// Remove deletes the artifact for key. A missing artifact is not an error.
func (t *Tree) Remove(ctx context.Context, key string) error {
	existing, err := t.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(existing.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tree: remove %s: %w", key, err)
	}
	return nil
}

// PathFor maps an entity key to its conventional file: dots become directory
// separators under the root.
func (t *Tree) PathFor(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") ||
		strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	parts := strings.Split(key, ".")
	return filepath.Join(t.root, filepath.Join(parts...)) + t.ext, nil
}

// KeyFor derives the entity key of a file under the root.
func (t *Tree) KeyFor(path string) (string, error) {
	rel, err := filepath.Rel(t.root, path)
	if err != nil {
		return "", err
	}
	rel = strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
	return strings.ReplaceAll(rel, "/", "."), nil
}

func (t *Tree) load(path string) (Entity, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Entity{}, fmt.Errorf("tree: read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Entity{}, fmt.Errorf("tree: stat %s: %w", path, err)
	}
	entity := Entity{
		Path:    path,
		Hash:    Hash(content),
		Content: content,
		ModTime: info.ModTime(),
	}
	meta, _, metaErr := ParseFrontMatter(content)
	switch {
	case metaErr == nil:
		entity.Meta = meta
	case errors.Is(metaErr, ErrMissingFrontMatter):
	default:
		return Entity{}, fmt.Errorf("tree: %s: %w", path, metaErr)
	}
	entity.Key = strings.TrimSpace(entity.Meta.Entity)
	if entity.Key == "" {
		key, err := t.KeyFor(path)
		if err != nil {
			return Entity{}, err
		}
		entity.Key = key
	}
	return entity, nil
}
