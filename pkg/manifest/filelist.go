package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// ErrMalformedFileList marks a file list line with zero or more than two
// tab separated fields, an unparsable size or an unsafe path.
var ErrMalformedFileList = errors.New("malformed file list")

// LineError describes one skipped file list line.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%v: line %d: %v", ErrMalformedFileList, e.Line, e.Err)
}

func (e *LineError) Unwrap() []error { return []error{ErrMalformedFileList, e.Err} }

// ParseFileList reads one entry per line: a relative path, optionally
// followed by a tab and a decimal byte size. Entries without a size carry
// Size -1 and are stat'ed when distributed. Blank lines are ignored and
// malformed lines are skipped and returned as LineErrors. err is set only
// when r itself fails.
func ParseFileList(r io.Reader) (files []FileInfo, skipped []*LineError, err error) {
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			continue
		}
		fi, perr := parseListLine(line)
		if perr != nil {
			skipped = append(skipped, &LineError{Line: lineNo, Text: line, Err: perr})
			continue
		}
		if _, dup := seen[fi.RelPath]; dup {
			continue
		}
		seen[fi.RelPath] = struct{}{}
		files = append(files, fi)
	}
	if err := sc.Err(); err != nil {
		return files, skipped, fmt.Errorf("failed to read file list: %w", err)
	}
	return files, skipped, nil
}

func parseListLine(line string) (FileInfo, error) {
	fields := strings.Split(line, "\t")
	if len(fields) > 2 || fields[0] == "" {
		return FileInfo{}, fmt.Errorf("%d fields", len(fields))
	}
	rel, err := CleanRelPath(fields[0])
	if err != nil {
		return FileInfo{}, err
	}
	fi := FileInfo{RelPath: rel, Size: -1}
	if len(fields) == 2 {
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || size < 0 {
			return FileInfo{}, fmt.Errorf("invalid size %q", fields[1])
		}
		fi.Size = size
	}
	return fi, nil
}

// CleanRelPath normalizes a slash separated relative path and rejects paths
// that are absolute, would escape the root or lie under ReservedDir.
func CleanRelPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path %q", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes root", p)
	}
	if first, _, _ := strings.Cut(clean, "/"); first == ReservedDir {
		return "", fmt.Errorf("path %q is inside the reserved %s directory", p, ReservedDir)
	}
	return clean, nil
}
