package manifest

import (
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"regexp"
)

// ReservedDir is the per-root directory that holds transfer logs. It is never
// enumerated.
const ReservedDir = ".warp"

// FileInfo describes one regular file to transfer.
type FileInfo struct {
	RelPath string      `json:"rel_path"` // Relative path with forward slashes
	Size    int64       `json:"size"`     // Negative when unknown
	Mode    fs.FileMode `json:"mode"`     // Permission bits, 0 when unknown
}

// SizeKnown reports whether Size was discovered already.
func (f FileInfo) SizeKnown() bool {
	return f.Size >= 0
}

// Filter holds the POSIX regular expressions applied during enumeration.
// Each expression must match the whole relative path. Empty strings disable
// the corresponding filter.
type Filter struct {
	Include string
	Exclude string
	Prune   string
}

type compiledFilter struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
	prune   *regexp.Regexp
}

func compileAnchored(name, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.CompilePOSIX("^(" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid %s expression %q: %w", name, expr, err)
	}
	return re, nil
}

func (f Filter) compile() (compiledFilter, error) {
	var (
		cf  compiledFilter
		err error
	)
	if cf.include, err = compileAnchored("include", f.Include); err != nil {
		return cf, err
	}
	if cf.exclude, err = compileAnchored("exclude", f.Exclude); err != nil {
		return cf, err
	}
	if cf.prune, err = compileAnchored("prune", f.Prune); err != nil {
		return cf, err
	}
	return cf, nil
}

func (cf compiledFilter) keepFile(rel string) bool {
	if cf.include != nil && !cf.include.MatchString(rel) {
		return false
	}
	if cf.exclude != nil && cf.exclude.MatchString(rel) {
		return false
	}
	return true
}

func (cf compiledFilter) pruneDir(rel string) bool {
	if rel == ReservedDir {
		return true
	}
	return cf.prune != nil && cf.prune.MatchString(rel)
}

// Enumerator walks a root directory and yields the regular files that pass
// its filter.
type Enumerator struct {
	root   string
	filter compiledFilter
}

// NewEnumerator validates the root and compiles the filter.
func NewEnumerator(root string, filter Filter) (*Enumerator, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cannot get absolute path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", root)
		}
		return nil, fmt.Errorf("cannot access path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", root)
	}
	cf, err := filter.compile()
	if err != nil {
		return nil, err
	}
	return &Enumerator{root: absRoot, filter: cf}, nil
}

// Root returns the absolute root directory.
func (e *Enumerator) Root() string {
	return e.root
}

// All returns a lazy sequence over the filtered tree. Each call walks the
// filesystem again. Unreadable entries are yielded with a non-nil error and
// the walk continues with their siblings.
func (e *Enumerator) All() iter.Seq2[FileInfo, error] {
	return func(yield func(FileInfo, error) bool) {
		stopped := false
		walkErr := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
			relPath, relErr := filepath.Rel(e.root, path)
			if relErr != nil {
				relPath = path
			}
			relPath = filepath.ToSlash(relPath)
			if err != nil {
				if !yield(FileInfo{RelPath: relPath, Size: -1}, fmt.Errorf("cannot read %s: %w", relPath, err)) {
					stopped = true
					return filepath.SkipAll
				}
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if relPath == "." {
				return nil
			}
			if d.IsDir() {
				if e.filter.pruneDir(relPath) {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !e.filter.keepFile(relPath) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if !yield(FileInfo{RelPath: relPath, Size: -1}, fmt.Errorf("cannot get info for %s: %w", relPath, err)) {
					stopped = true
					return filepath.SkipAll
				}
				return nil
			}
			if !yield(FileInfo{RelPath: relPath, Size: info.Size(), Mode: info.Mode().Perm()}, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil && !stopped {
			yield(FileInfo{Size: -1}, fmt.Errorf("error walking directory: %w", walkErr))
		}
	}
}

// FromList yields files verbatim. Filters are not applied to explicit lists.
func FromList(files []FileInfo) iter.Seq2[FileInfo, error] {
	return func(yield func(FileInfo, error) bool) {
		for _, f := range files {
			if !yield(f, nil) {
				return
			}
		}
	}
}
