// Package report aggregates per-connection transfer results into one outcome.
package report

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrorCode summarizes a whole transfer session.
type ErrorCode int

const (
	OK ErrorCode = iota
	PartialFailure
	ResourceError
	ProtocolError
	NegotiationError
	Aborted
)

var codeNames = map[ErrorCode]string{
	OK:               "OK",
	PartialFailure:   "PARTIAL_FAILURE",
	ResourceError:    "RESOURCE_ERROR",
	ProtocolError:    "PROTOCOL_ERROR",
	NegotiationError: "NEGOTIATION_ERROR",
	Aborted:          "ABORTED",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Fatal reports whether the code ends a session regardless of file results.
func (c ErrorCode) Fatal() bool {
	return c == ResourceError || c == ProtocolError || c == NegotiationError
}

// Worse returns the more severe of a and b.
// Aborted > NegotiationError > ProtocolError > ResourceError > PartialFailure > OK.
func Worse(a, b ErrorCode) ErrorCode {
	if b > a {
		return b
	}
	return a
}

type codedError struct {
	code ErrorCode
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// NewError returns a sentinel error that classifies as code.
func NewError(code ErrorCode, msg string) error {
	return &codedError{code: code, err: errors.New(msg)}
}

// WithCode attaches code to err. A nil err stays nil.
func WithCode(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// Classify maps an error to its ErrorCode. Unclassified errors are file-level
// failures.
func Classify(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return PartialFailure
}

// FileFailure records one file that could not be confirmed.
type FileFailure struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// SubReport is the result of one connection worker. It is owned by the
// worker until contributed.
type SubReport struct {
	ConnID           int           `json:"conn_id"`
	Port             int           `json:"port"`
	Role             string        `json:"role"`
	Code             ErrorCode     `json:"code"`
	Err              string        `json:"error,omitempty"`
	ProtocolVersion  int           `json:"protocol_version"`
	FilesTransferred int           `json:"files_transferred"`
	FilesSkipped     int           `json:"files_skipped"`
	BytesMoved       int64         `json:"bytes_moved"`
	FramesSent       int64         `json:"frames"`
	FrameRetries     int64         `json:"frame_retries"`
	Reconnects       int           `json:"reconnects"`
	Failures         []FileFailure `json:"failures,omitempty"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Fail records a file failure and downgrades the code to at least
// PartialFailure.
func (s *SubReport) Fail(path string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.Failures = append(s.Failures, FileFailure{Path: path, Err: msg})
	s.Code = Worse(s.Code, PartialFailure)
}

// End sets the terminal error of the worker and folds its code.
func (s *SubReport) End(err error) {
	if err == nil {
		return
	}
	s.Err = err.Error()
	s.Code = Worse(s.Code, Classify(err))
}

// ThroughputBps returns the worker's average rate.
func (s *SubReport) ThroughputBps() float64 {
	return rate(s.BytesMoved, s.Elapsed)
}

// ErrDuplicateSubReport is returned when a connection contributes twice.
var ErrDuplicateSubReport = errors.New("sub-report already contributed for connection")

// Aggregator collects sub-reports from workers.
type Aggregator struct {
	mu   sync.Mutex
	subs map[int]SubReport
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{subs: make(map[int]SubReport)}
}

// Contribute adds a worker's sub-report. Each ConnID may contribute once.
func (a *Aggregator) Contribute(sub SubReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[sub.ConnID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateSubReport, sub.ConnID)
	}
	a.subs[sub.ConnID] = sub
	return nil
}

// Report is the finalized outcome of one session.
type Report struct {
	TransferID       string        `json:"transfer_id"`
	Role             string        `json:"role"`
	Code             ErrorCode     `json:"code"`
	Err              string        `json:"error,omitempty"`
	FilesTransferred int           `json:"files_transferred"`
	FilesSkipped     int           `json:"files_skipped"`
	BytesMoved       int64         `json:"bytes_moved"`
	FrameRetries     int64         `json:"frame_retries"`
	Failures         []FileFailure `json:"failures,omitempty"`
	Connections      []SubReport   `json:"connections"`
	Elapsed          time.Duration `json:"elapsed"`
	ThroughputBps    float64       `json:"throughput_bps"`
	StartedAt        time.Time     `json:"started_at"`
}

// CompletedFiles counts files that are present at the destination, whether
// moved in this run or skipped because an earlier run completed them.
func (r *Report) CompletedFiles() int {
	return r.FilesTransferred + r.FilesSkipped
}

// Finalize merges all contributed sub-reports. sessionErr is an error seen by
// the orchestrator itself (bind failure, enumeration failure); extra lists
// failures not owned by any worker, such as unreadable source entries or
// files left unassigned after an abort.
func (a *Aggregator) Finalize(role, transferID string, started time.Time, elapsed time.Duration, sessionErr error, extra ...FileFailure) *Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := &Report{
		TransferID: transferID,
		Role:       role,
		Elapsed:    elapsed,
		StartedAt:  started,
	}
	ids := make([]int, 0, len(a.subs))
	for id := range a.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		sub := a.subs[id]
		r.Connections = append(r.Connections, sub)
		r.FilesTransferred += sub.FilesTransferred
		r.FilesSkipped += sub.FilesSkipped
		r.BytesMoved += sub.BytesMoved
		r.FrameRetries += sub.FrameRetries
		r.Failures = append(r.Failures, sub.Failures...)
		r.Code = Worse(r.Code, sub.Code)
		if r.Err == "" && sub.Err != "" && sub.Code != OK && sub.Code == r.Code {
			r.Err = sub.Err
		}
	}
	if len(extra) > 0 {
		r.Failures = append(r.Failures, extra...)
		r.Code = Worse(r.Code, PartialFailure)
	}
	if sessionErr != nil {
		code := Classify(sessionErr)
		if Worse(r.Code, code) == code {
			r.Err = sessionErr.Error()
		}
		r.Code = Worse(r.Code, code)
	}
	r.ThroughputBps = rate(r.BytesMoved, elapsed)
	return r
}

func rate(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
