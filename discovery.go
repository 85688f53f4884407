package archbridge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// EnvWorkerPath names an explicit worker executable or artifact, consulted
// before any directory search
const EnvWorkerPath = "ARCHBRIDGE_WORKER_PATH"

const (
	DefaultExecutableName = "archworker"
	DefaultArtifactName   = "archworker.go"
	DefaultMaxSearchDepth = 4
)

// DefaultSearchRoots returns the host binary's directory, its parent and
// grandparent, and the worker and bin siblings of the first two.
func DefaultSearchRoots() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	dir := filepath.Dir(exe)
	parent := filepath.Dir(dir)
	return uniquePaths([]string{
		dir,
		parent,
		filepath.Dir(parent),
		filepath.Join(dir, "worker"),
		filepath.Join(dir, "bin"),
		filepath.Join(parent, "worker"),
		filepath.Join(parent, "bin"),
	})
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Resolve locates the worker: the cached path if the file still exists, then
// the configured path and the environment override, then a search of every root for the executable,
// then of every root for the artifact. First match wins.
func (s *Supervisor) Resolve() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked()
}

func (s *Supervisor) resolveLocked() (string, error) {
	if s.cached != "" {
		if fileExists(s.cached) {
			return s.cached, nil
		}
		s.log.WithField("path", s.cached).Debug("cached worker path vanished")
		s.cached = ""
	}

	explicit := []struct{ source, path string }{{"config", s.cfg.Path}}
	if s.cfg.EnvOverride != "" {
		explicit = append(explicit, struct{ source, path string }{s.cfg.EnvOverride, os.Getenv(s.cfg.EnvOverride)})
	}
	for _, e := range explicit {
		p := strings.TrimSpace(e.path)
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if fileExists(p) {
			s.cached = p
			return p, nil
		}
		s.log.WithFields(logrus.Fields{"source": e.source, "path": p}).Warn("worker override does not exist, searching")
	}

	roots := s.cfg.SearchRoots
	if len(roots) == 0 {
		roots = DefaultSearchRoots()
	}

	for _, name := range []string{s.cfg.ExecutableName, s.cfg.ArtifactName} {
		if name == "" {
			continue
		}
		for _, root := range roots {
			if p := findFile(root, name, s.cfg.MaxSearchDepth); p != "" {
				s.cached = p
				return p, nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s or %s under %s", ErrWorkerNotFound,
		s.cfg.ExecutableName, s.cfg.ArtifactName, strings.Join(roots, ", "))
}

var errFound = errors.New("found")

// findFile walks root looking for a regular file called name, at most
// maxDepth directories deep. Unreadable entries are skipped.
func findFile(root, name string, maxDepth int) string {
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") || depthBelow(root, path) > maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == name && d.Type().IsRegular() {
			found = path
			return errFound
		}
		return nil
	})
	return found
}

func depthBelow(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
