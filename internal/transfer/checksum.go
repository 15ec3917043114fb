package transfer

import (
	"fmt"
	"hash/crc32"
	"hash/crc64"
)

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)
	crc64Table  = crc64.MakeTable(crc64.ISO)
)

// checksumBand groups protocol versions that share a checksum width.
func checksumBand(version int) int {
	if version >= wideChecksumVersion {
		return 2
	}
	return 1
}

func checksumWidth(version int) int {
	if checksumBand(version) == 2 {
		return 8
	}
	return 4
}

// Negotiate returns the version a session runs at, the lower of the two
// advertised versions. It fails when either side is outside the supported
// range or the two versions use different checksum widths.
func Negotiate(sender, receiver int) (int, error) {
	if sender < MinProtocolVersion || sender > MaxProtocolVersion {
		return 0, fmt.Errorf("%w: sender version %d outside [%d, %d]", ErrVersionRejected, sender, MinProtocolVersion, MaxProtocolVersion)
	}
	if receiver < MinProtocolVersion || receiver > MaxProtocolVersion {
		return 0, fmt.Errorf("%w: receiver version %d outside [%d, %d]", ErrVersionRejected, receiver, MinProtocolVersion, MaxProtocolVersion)
	}
	if checksumBand(sender) != checksumBand(receiver) {
		return 0, fmt.Errorf("%w: sender version %d and receiver version %d are not wire compatible", ErrVersionRejected, sender, receiver)
	}
	return min(sender, receiver), nil
}

// frameChecksum computes the checksum carried by a block frame.
func frameChecksum(version int, p []byte) uint64 {
	if checksumWidth(version) == 8 {
		return crc64.Checksum(p, crc64Table)
	}
	return uint64(crc32.Checksum(p, crc32cTable))
}

// unitHash accumulates the running checksum over every frame of one unit.
type unitHash struct {
	wide  bool
	sum32 uint32
	sum64 uint64
}

func newUnitHash(version int) unitHash {
	return unitHash{wide: checksumWidth(version) == 8}
}

func (h *unitHash) Write(p []byte) {
	if h.wide {
		h.sum64 = crc64.Update(h.sum64, crc64Table, p)
		return
	}
	h.sum32 = crc32.Update(h.sum32, crc32cTable, p)
}

func (h *unitHash) Sum() uint64 {
	if h.wide {
		return h.sum64
	}
	return uint64(h.sum32)
}

func (h *unitHash) Reset() {
	h.sum32 = 0
	h.sum64 = 0
}

// FoldUnit mixes one unit checksum into a file digest. The fold is
// commutative so units committed in any order produce the same digest.
func FoldUnit(digest uint64, offset int64, unitSum uint64) uint64 {
	return digest + mix64(uint64(offset)^mix64(unitSum))
}

// mix64 is the splitmix64 finalizer.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
