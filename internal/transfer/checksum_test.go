package transfer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sheerbytes/warp/internal/report"
)

func TestNegotiate(t *testing.T) {
	cases := []struct {
		sender, receiver int
		want             int
		ok               bool
	}{
		{5, 5, 5, true},
		{5, 4, 4, true},
		{4, 5, 4, true},
		{3, 1, 1, true},
		{2, 3, 2, true},
		{5, 3, 0, false},
		{3, 4, 0, false},
		{6, 5, 0, false},
		{5, 0, 0, false},
		{0, 1, 0, false},
	}
	for _, tc := range cases {
		got, err := Negotiate(tc.sender, tc.receiver)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Errorf("Negotiate(%d, %d) = %d, %v; want %d", tc.sender, tc.receiver, got, err, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrVersionRejected) {
			t.Errorf("Negotiate(%d, %d) err = %v, want ErrVersionRejected", tc.sender, tc.receiver, err)
		}
		if report.Classify(err) != report.NegotiationError {
			t.Errorf("Negotiate(%d, %d) classified as %v", tc.sender, tc.receiver, report.Classify(err))
		}
	}
}

func TestUnitHash_RunningEqualsWhole(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	for _, version := range []int{1, 5} {
		h := newUnitHash(version)
		for off := 0; off < len(data); off += 777 {
			h.Write(data[off:min(off+777, len(data))])
		}
		if got, want := h.Sum(), frameChecksum(version, data); got != want {
			t.Fatalf("v%d running checksum %x, whole %x", version, got, want)
		}
		h.Reset()
		if h.Sum() != 0 {
			t.Fatalf("v%d reset left %x", version, h.Sum())
		}
	}
}

func TestFrameChecksum_Width(t *testing.T) {
	data := []byte("the quick brown fox")
	if frameChecksum(3, data) > 0xFFFFFFFF {
		t.Fatal("v3 checksum exceeds 32 bits")
	}
	if frameChecksum(3, data) == frameChecksum(5, data) {
		t.Fatal("bands should use different checksum functions")
	}
}

func TestFoldUnit_OrderIndependent(t *testing.T) {
	type unit struct {
		off int64
		sum uint64
	}
	units := []unit{{0, 0xdead}, {1 << 20, 0xbeef}, {2 << 20, 0xf00d}, {3 << 20, 0}}

	var forward, backward uint64
	for _, u := range units {
		forward = FoldUnit(forward, u.off, u.sum)
	}
	for i := len(units) - 1; i >= 0; i-- {
		backward = FoldUnit(backward, units[i].off, units[i].sum)
	}
	if forward != backward {
		t.Fatalf("fold depends on order: %x vs %x", forward, backward)
	}

	swapped := FoldUnit(FoldUnit(0, 0, 0xbeef), 1<<20, 0xdead)
	if swapped == FoldUnit(FoldUnit(0, 0, 0xdead), 1<<20, 0xbeef) {
		t.Fatal("fold should bind checksums to offsets")
	}
}
