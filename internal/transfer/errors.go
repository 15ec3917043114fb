package transfer

import (
	"errors"

	"github.com/sheerbytes/warp/internal/report"
)

var (
	// ErrVersionRejected indicates the peers share no compatible protocol version.
	ErrVersionRejected = report.NewError(report.NegotiationError, "protocol version rejected")
	// ErrTransferIDRejected indicates the receiver is serving a different transfer.
	ErrTransferIDRejected = report.NewError(report.NegotiationError, "transfer id rejected")
	// ErrInvalidMagic indicates the handshake magic bytes don't match.
	ErrInvalidMagic = report.NewError(report.ProtocolError, "invalid magic bytes")
	// ErrInvalidRecordType indicates an unknown message type byte.
	ErrInvalidRecordType = report.NewError(report.ProtocolError, "invalid message type")
	// ErrUnexpectedMessage indicates a known message arriving in the wrong state.
	ErrUnexpectedMessage = report.NewError(report.ProtocolError, "unexpected message")
	// ErrFrameTooLarge indicates a frame length above MaxFrameSize.
	ErrFrameTooLarge = report.NewError(report.ProtocolError, "frame too large")
	// ErrRelPathTooLong indicates a path above maxRelPathLength bytes.
	ErrRelPathTooLong = report.NewError(report.ProtocolError, "relative path too long")
	// ErrFrameOutOfRange indicates a frame outside its unit or out of order.
	ErrFrameOutOfRange = report.NewError(report.ProtocolError, "frame outside unit range")
	// ErrRemoteResource indicates the receiver could not create a destination file.
	ErrRemoteResource = report.NewError(report.ResourceError, "receiver could not create destination")
	// ErrAborted indicates the abort predicate was observed.
	ErrAborted = report.NewError(report.Aborted, "transfer aborted")

	// ErrChecksumMismatch indicates a frame kept failing verification after
	// all retries.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrUnitChecksum indicates a unit whose running checksum disagreed at
	// unit end.
	ErrUnitChecksum = errors.New("unit checksum mismatch")
	// ErrFileChanged indicates the source file changed size while being sent.
	ErrFileChanged = errors.New("source file changed during transfer")
	// ErrRemoteWrite indicates the receiver failed to write or sync a file.
	ErrRemoteWrite = errors.New("receiver write failed")
	// ErrInvalidPath indicates a path that is absolute, escapes the root or
	// targets the log directory.
	ErrInvalidPath = errors.New("invalid relative path")
	// ErrPathRejected indicates the receiver refused a file header.
	ErrPathRejected = errors.New("receiver rejected path")
)
