// Package configstore implements Beacon's file-backed hierarchical
// configuration tree (spec.md §4.5): a directory of YAML files parsed into
// named objects, served whole-file to clients, and mutated only through
// atomic write/move/delete followed by re-indexing.
//
// The store is single-writer (spec.md §5): reads never block on writes,
// writes are serialized through one mutex, and reload drains in-flight
// readers by taking the same write lock.
package configstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Sentinel errors surfaced to the wire dispatcher as *_FAILED replies.
var (
	ErrNotFound = errors.New("configstore: not found")
	ErrConflict = errors.New("configstore: path escapes configuration root")
)

const scriptsDir = "scripts"

// objectRef records which file (and, within a multi-document YAML file,
// which top-level key) an addressable object came from.
type objectRef struct {
	file string
	key  string
}

// Store is the in-memory index of a configuration root directory.
type Store struct {
	root string
	log  *logrus.Entry

	mu      sync.RWMutex
	files   map[string][]byte    // relative path -> raw file content
	objects map[string]objectRef // object name -> where it lives

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open walks root recursively, parses every *.yml/*.yaml file, and builds
// the path and object indices. Files under "scripts/" are indexed but
// never parsed as YAML (spec.md §4.5 "script modules").
func Open(root string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("configstore: db-path %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("configstore: db-path %q is not a directory", root)
	}

	s := &Store{
		root: root,
		log:  log.WithField("component", "configstore"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the indices from disk, tolerating per-file parse errors
// by logging and skipping the offending file (spec.md §7: "the store is
// tolerant of partial corruption").
func (s *Store) Reload() error {
	files := make(map[string][]byte)
	objects := make(map[string]objectRef)

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		content, err := os.ReadFile(path)
		if err != nil {
			s.log.WithError(err).WithField("path", rel).Warn("skipping unreadable file during reload")
			return nil
		}
		files[rel] = content

		if isYAML(rel) && !strings.HasPrefix(rel, scriptsDir+"/") {
			names, err := objectNames(content)
			if err != nil {
				s.log.WithError(err).WithField("path", rel).Warn("skipping unparsable YAML file during reload")
				return nil
			}
			for _, name := range names {
				objects[name] = objectRef{file: rel, key: name}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("configstore: walk %q: %w", s.root, err)
	}

	s.mu.Lock()
	s.files = files
	s.objects = objects
	s.mu.Unlock()

	return nil
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yml" || ext == ".yaml"
}

// objectNames parses a YAML file into its top-level named objects. A
// document (or a top-level mapping entry whose value is itself a mapping
// with a "name" key) becomes addressable by that name, per spec.md §3.
func objectNames(content []byte) ([]string, error) {
	var names []string
	dec := yaml.NewDecoder(stringsReader(content))
	for {
		var doc map[string]interface{}
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, errEOFYaml) {
				break
			}
			return names, err
		}
		if name, ok := doc["name"].(string); ok && name != "" {
			names = append(names, name)
		}
		for key, val := range doc {
			if sub, ok := val.(map[string]interface{}); ok {
				if name, ok := sub["name"].(string); ok && name != "" {
					names = append(names, name)
				}
			}
			_ = key
		}
	}
	return names, nil
}

// GetFile returns the raw content of path relative to the store root.
func (s *Store) GetFile(path string) ([]byte, error) {
	clean, err := s.cleanRelative(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.files[clean]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return content, nil
}

// TreeEntry is one file in a streamed tree listing.
type TreeEntry struct {
	Path    string
	Content []byte
}

// Tree returns every file whose path is under basePath, sorted by path for
// deterministic streaming (the server turns this into DB_FILE.../DB_END
// frames per spec.md §4.1).
func (s *Store) Tree(basePath string) ([]TreeEntry, error) {
	clean := filepath.ToSlash(filepath.Clean(basePath))
	if clean == "." {
		clean = ""
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []TreeEntry
	for path, content := range s.files {
		if clean == "" || path == clean || strings.HasPrefix(path, clean+"/") {
			entries = append(entries, TreeEntry{Path: path, Content: content})
		}
	}
	sortEntries(entries)
	return entries, nil
}

// SetFile atomically writes content to path (write-to-tempfile + rename in
// the same directory, never truncate-then-write, per spec.md §6) and
// re-parses just that file to update the indices in place.
func (s *Store) SetFile(path string, content []byte) error {
	clean, err := s.cleanRelative(path)
	if err != nil {
		return err
	}

	abs := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("configstore: mkdir for %q: %w", clean, err)
	}
	if err := atomicWrite(abs, content); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, ref := range s.objects {
		if ref.file == clean {
			delete(s.objects, name)
		}
	}
	s.files[clean] = content
	if isYAML(clean) && !strings.HasPrefix(clean, scriptsDir+"/") {
		names, err := objectNames(content)
		if err != nil {
			s.log.WithError(err).WithField("path", clean).Warn("set-file wrote unparsable YAML")
		} else {
			for _, name := range names {
				s.objects[name] = objectRef{file: clean, key: name}
			}
		}
	}
	return nil
}

// RemoveFile deletes path and drops it (and any objects it owned) from the
// indices.
func (s *Store) RemoveFile(path string) error {
	clean, err := s.cleanRelative(path)
	if err != nil {
		return err
	}
	abs := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("configstore: remove %q: %w", clean, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, clean)
	for name, ref := range s.objects {
		if ref.file == clean {
			delete(s.objects, name)
		}
	}
	return nil
}

// MovePath renames a file or directory from src to dst, both relative to
// the store root, and re-indexes every affected entry.
func (s *Store) MovePath(src, dst string) error {
	cleanSrc, err := s.cleanRelative(src)
	if err != nil {
		return err
	}
	cleanDst, err := s.cleanRelative(dst)
	if err != nil {
		return err
	}

	absSrc := filepath.Join(s.root, filepath.FromSlash(cleanSrc))
	absDst := filepath.Join(s.root, filepath.FromSlash(cleanDst))
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return fmt.Errorf("configstore: mkdir for %q: %w", cleanDst, err)
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		return fmt.Errorf("configstore: move %q to %q: %w", cleanSrc, cleanDst, err)
	}

	return s.Reload()
}

// ListModules returns the (moduleName, relativePath) pairs of every file
// under "scripts/" beneath basePath, served as opaque bytes — execution is
// entirely client-side (spec.md §4.5).
func (s *Store) ListModules(basePath string) ([]TreeEntry, error) {
	prefix := filepath.ToSlash(filepath.Join(scriptsDir, basePath))
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []TreeEntry
	for path, content := range s.files {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			entries = append(entries, TreeEntry{Path: path, Content: content})
		}
	}
	sortEntries(entries)
	return entries, nil
}

// Watch starts an fsnotify watch on the store root and triggers Reload
// whenever the tree changes out of band (e.g. a `git pull` on the
// configuration repository). It runs until Close is called.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configstore: fsnotify: %w", err)
	}

	err = filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("configstore: watch %q: %w", s.root, err)
	}

	s.watcher = w
	s.done = make(chan struct{})

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := s.Reload(); err != nil {
					s.log.WithError(err).Warn("reload after filesystem change failed")
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Warn("fsnotify watcher error")
		case <-s.done:
			return
		}
	}
}

// Close stops the filesystem watcher, if running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}

// cleanRelative validates and normalizes a client-supplied path, rejecting
// anything that would escape the store root (spec.md §7 Conflict / §8
// "SET_FILE with a path that escapes the config root").
func (s *Store) cleanRelative(path string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + path))
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrConflict, path)
	}
	return clean, nil
}

func sortEntries(entries []TreeEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].Path > entries[j].Path; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}
