package xferlog

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// Result describes a parsed, possibly truncated, log.
type Result struct {
	TransferID  string
	HeaderValid bool
	Entries     []Entry
	ValidBytes  int64
	Discarded   int64
}

func parse(data []byte) Result {
	id, hdrLen, err := parseHeader(data)
	if err != nil {
		return Result{Discarded: int64(len(data))}
	}
	entries, n := parseEntries(data[hdrLen:])
	valid := int64(hdrLen + n)
	return Result{
		TransferID:  id,
		HeaderValid: true,
		Entries:     entries,
		ValidBytes:  valid,
		Discarded:   int64(len(data)) - valid,
	}
}

// Repair parses the log at path and truncates it to its valid prefix.
// Repairing a log with no damage leaves the file untouched.
func Repair(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read log: %w", err)
	}
	res := parse(data)
	if res.Discarded == 0 {
		return res, nil
	}
	if err := os.Truncate(path, res.ValidBytes); err != nil {
		return res, fmt.Errorf("failed to truncate log: %w", err)
	}
	return res, nil
}

// ParseAndPrint repairs the log for transferID under rootDir and writes a
// listing of its valid entries to w.
func ParseAndPrint(rootDir, transferID string, w io.Writer) (Result, error) {
	path := PathFor(rootDir, transferID)
	res, err := Repair(path)
	if err != nil {
		return res, err
	}
	if res.HeaderValid {
		fmt.Fprintf(w, "log %s (transfer id %q)\n", path, res.TransferID)
	} else {
		fmt.Fprintf(w, "log %s has no valid header\n", path)
	}
	if res.Discarded > 0 {
		fmt.Fprintf(w, "discarded %d trailing bytes\n", res.Discarded)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tCHECKSUM\tSTATUS")
	for _, e := range res.Entries {
		fmt.Fprintf(tw, "%s\t%d\t%016x\t%s\n", e.RelPath, e.Size, e.Checksum, e.Status)
	}
	if err := tw.Flush(); err != nil {
		return res, err
	}
	fmt.Fprintf(w, "%d entries\n", len(res.Entries))
	return res, nil
}
