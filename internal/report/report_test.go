package report

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWorsePrecedence(t *testing.T) {
	order := []ErrorCode{OK, PartialFailure, ResourceError, ProtocolError, NegotiationError, Aborted}
	for i := range order {
		for j := range order {
			got := Worse(order[i], order[j])
			want := order[i]
			if j > i {
				want = order[j]
			}
			if got != want {
				t.Fatalf("Worse(%s, %s) = %s, want %s", order[i], order[j], got, want)
			}
		}
	}
}

func TestClassify(t *testing.T) {
	sentinel := NewError(NegotiationError, "version rejected")
	wrapped := fmt.Errorf("handshake: %w", sentinel)
	if got := Classify(wrapped); got != NegotiationError {
		t.Fatalf("Classify(wrapped) = %s", got)
	}
	if !errors.Is(wrapped, sentinel) {
		t.Fatal("errors.Is should see the sentinel through wrapping")
	}
	if got := Classify(errors.New("disk full")); got != PartialFailure {
		t.Fatalf("Classify(plain) = %s", got)
	}
	if got := Classify(nil); got != OK {
		t.Fatalf("Classify(nil) = %s", got)
	}
	if WithCode(Aborted, nil) != nil {
		t.Fatal("WithCode(nil) should stay nil")
	}
}

func TestAggregatorRejectsDuplicate(t *testing.T) {
	a := NewAggregator()
	if err := a.Contribute(SubReport{ConnID: 1}); err != nil {
		t.Fatalf("first contribute: %v", err)
	}
	if err := a.Contribute(SubReport{ConnID: 1}); !errors.Is(err, ErrDuplicateSubReport) {
		t.Fatalf("expected ErrDuplicateSubReport, got %v", err)
	}
}

func TestFinalizeWorstCodeWins(t *testing.T) {
	a := NewAggregator()
	ok := SubReport{ConnID: 0, FilesTransferred: 2, BytesMoved: 1000}
	partial := SubReport{ConnID: 1, FilesTransferred: 1, BytesMoved: 500}
	partial.Fail("b.bin", errors.New("checksum mismatch"))
	aborted := SubReport{ConnID: 2, FilesSkipped: 1}
	aborted.End(WithCode(Aborted, errors.New("aborted")))
	for _, s := range []SubReport{ok, partial, aborted} {
		if err := a.Contribute(s); err != nil {
			t.Fatalf("contribute: %v", err)
		}
	}

	r := a.Finalize("sender", "tid", time.Now(), 2*time.Second, nil)
	if r.Code != Aborted {
		t.Fatalf("code = %s, want ABORTED", r.Code)
	}
	if r.FilesTransferred != 3 || r.FilesSkipped != 1 || r.CompletedFiles() != 4 {
		t.Fatalf("file counts: %+v", r)
	}
	if r.BytesMoved != 1500 {
		t.Fatalf("bytes = %d", r.BytesMoved)
	}
	if r.ThroughputBps != 750 {
		t.Fatalf("throughput = %f", r.ThroughputBps)
	}
	if len(r.Failures) != 1 || r.Failures[0].Path != "b.bin" {
		t.Fatalf("failures = %+v", r.Failures)
	}
	if len(r.Connections) != 3 || r.Connections[0].ConnID != 0 {
		t.Fatalf("connections not sorted: %+v", r.Connections)
	}
}

func TestFinalizeSessionErrorAndExtras(t *testing.T) {
	a := NewAggregator()
	r := a.Finalize("receiver", "", time.Now(), 0, WithCode(ResourceError, errors.New("no port bound")))
	if r.Code != ResourceError || r.Err == "" {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.ThroughputBps != 0 {
		t.Fatalf("zero elapsed should give zero throughput")
	}

	a = NewAggregator()
	_ = a.Contribute(SubReport{ConnID: 0})
	r = a.Finalize("sender", "", time.Now(), time.Second, nil, FileFailure{Path: "unreadable", Err: "permission denied"})
	if r.Code != PartialFailure {
		t.Fatalf("extras should yield PARTIAL_FAILURE, got %s", r.Code)
	}
}

func TestFatalCodes(t *testing.T) {
	for _, c := range []ErrorCode{ResourceError, ProtocolError, NegotiationError} {
		if !c.Fatal() {
			t.Fatalf("%s should be fatal", c)
		}
	}
	for _, c := range []ErrorCode{OK, PartialFailure, Aborted} {
		if c.Fatal() {
			t.Fatalf("%s should not be fatal", c)
		}
	}
}
