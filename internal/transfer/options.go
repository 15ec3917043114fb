package transfer

import (
	"log/slog"
	"time"

	"github.com/sheerbytes/warp/internal/logging"
)

const (
	DefaultBlockSize     = 16 * 1024 * 1024
	DefaultFrameSize     = 1024 * 1024
	DefaultBlockRetries  = 3
	DefaultReconnects    = 2
	DefaultIOTimeout     = 30 * time.Second
	DefaultIdlePoll      = 200 * time.Millisecond
	DefaultReconnectWait = 5 * time.Second
	DefaultPollInterval  = 50 * time.Millisecond

	minFrameSize = 256
)

// Options are shared read-only by every worker of one transfer.
type Options struct {
	// TransferID correlates sender and receiver runs. Empty on the receiver
	// means adopt the first id a sender presents.
	TransferID string
	// ProtocolVersion is the version this endpoint advertises.
	ProtocolVersion int
	// BlockSize bounds one distributed unit; smaller files are one unit.
	BlockSize int64
	// FrameSize bounds one wire frame inside a unit.
	FrameSize int
	// BlockRetries is how many times a frame is resent after a checksum
	// mismatch before its file fails. At least one retry is always made.
	BlockRetries int
	// Reconnects is how many times a worker redials after an I/O failure.
	// Zero disables reconnection.
	Reconnects int
	// IOTimeout bounds each read and write on streams that support deadlines.
	IOTimeout time.Duration
	// IdlePoll is how often an idle receiver worker checks the abort predicate.
	IdlePoll time.Duration
	// ReconnectWait is how long a receiver worker waits for a sender to come
	// back after its stream broke.
	ReconnectWait time.Duration
	// PollInterval bounds one wait slice in Distributor.Next.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NormalizeOptions applies defaults and clamps sizes.
func NormalizeOptions(o Options) Options {
	out := o
	if out.ProtocolVersion == 0 {
		out.ProtocolVersion = MaxProtocolVersion
	}
	if out.BlockSize <= 0 {
		out.BlockSize = DefaultBlockSize
	}
	if out.FrameSize <= 0 {
		out.FrameSize = DefaultFrameSize
	}
	if out.FrameSize < minFrameSize {
		out.FrameSize = minFrameSize
	}
	if out.FrameSize > MaxFrameSize {
		out.FrameSize = MaxFrameSize
	}
	if int64(out.FrameSize) > out.BlockSize {
		out.FrameSize = int(out.BlockSize)
	}
	if out.BlockRetries <= 0 {
		out.BlockRetries = DefaultBlockRetries
	}
	if out.Reconnects < 0 {
		out.Reconnects = 0
	}
	if out.IOTimeout <= 0 {
		out.IOTimeout = DefaultIOTimeout
	}
	if out.IdlePoll <= 0 {
		out.IdlePoll = DefaultIdlePoll
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = DefaultReconnectWait
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	out.Logger = logging.OrDiscard(out.Logger)
	return out
}
