package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sheerbytes/warp/internal/report"
)

func printReport(w io.Writer, r *report.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "transfer %s (%s): %s\n", r.TransferID, r.Role, r.Code)
	if r.Err != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Err)
	}
	fmt.Fprintf(w, "  files: %d transferred, %d skipped\n", r.FilesTransferred, r.FilesSkipped)
	fmt.Fprintf(w, "  bytes: %d in %s (%.1f Mbit/s) over %d connections\n",
		r.BytesMoved, r.Elapsed.Round(time.Millisecond), r.ThroughputBps*8/1e6, len(r.Connections))
	if r.FrameRetries > 0 {
		fmt.Fprintf(w, "  retries: %d\n", r.FrameRetries)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  failed %s: %s\n", f.Path, f.Err)
	}
	return nil
}
