package transfer

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	handshakeMagic = "WRP1"

	// MinProtocolVersion and MaxProtocolVersion bound the versions this build
	// speaks. Versions 1-3 carry 32-bit frame checksums, 4-5 carry 64-bit
	// ones; peers in different bands cannot interoperate.
	MinProtocolVersion = 1
	MaxProtocolVersion = 5

	// modeBitsVersion is the first version whose file header carries
	// permission bits.
	modeBitsVersion = 2
	// wideChecksumVersion is the first version with 64-bit checksums.
	wideChecksumVersion = 4

	// MaxFrameSize caps one block frame payload.
	MaxFrameSize = 16 * 1024 * 1024

	maxRelPathLength    = 4096
	maxTransferIDLength = 1024
	maxStatusMsgLength  = 1024
)

const (
	msgFileHeader  = byte(0x01)
	msgHeaderReply = byte(0x02)
	msgBlock       = byte(0x03)
	msgAck         = byte(0x04)
	msgUnitEnd     = byte(0x05)
	msgUnitDone    = byte(0x06)
	msgUnitCancel  = byte(0x07)
	msgFin         = byte(0x08)
	msgFinAck      = byte(0x09)
)

// Status is carried by replies and acknowledgements.
type Status byte

const (
	StatusOK    Status = 0
	StatusSkip  Status = 1
	StatusRetry Status = 2
	StatusError Status = 3
	StatusAbort Status = 4
	// StatusReject refuses one file header; the sender fails that file
	// and continues with the next unit.
	StatusReject Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSkip:
		return "SKIP"
	case StatusRetry:
		return "RETRY"
	case StatusError:
		return "ERROR"
	case StatusAbort:
		return "ABORT"
	case StatusReject:
		return "REJECT"
	default:
		return fmt.Sprintf("Status(%d)", byte(s))
	}
}

const (
	handshakeOK              = byte(0)
	handshakeVersionRejected = byte(1)
	handshakeIDRejected      = byte(2)
	handshakeAborted         = byte(3)
	handshakeError           = byte(4)
)

// Handshake opens every connection, sender to receiver.
type Handshake struct {
	Version    uint16
	TransferID string
}

// HandshakeReply carries the negotiated version or a rejection.
type HandshakeReply struct {
	Status  byte
	Version uint16
}

// FileHeader announces one unit of a file.
type FileHeader struct {
	RelPath  string
	FileSize uint64
	Mode     uint32 // sent only from modeBitsVersion on
	Offset   uint64
	Length   uint64
}

type HeaderReply struct {
	Status  Status
	Message string
}

// BlockFrame is the fixed part of a block message. The payload and the
// trailing checksum follow it on the wire.
type BlockFrame struct {
	Offset uint64
	Length uint32
}

type Ack struct {
	Status Status
}

// UnitEnd closes a unit with the running checksum of all its frames.
type UnitEnd struct {
	Checksum uint64
}

type UnitDone struct {
	Status   Status
	FileDone bool
}

type Fin struct {
	Aborted bool
}

type FinAck struct {
	Status Status
}

func writeHandshake(w io.Writer, msg Handshake) error {
	if len(msg.TransferID) > maxTransferIDLength {
		return fmt.Errorf("transfer id too long")
	}
	if err := writeFullControl(w, []byte(handshakeMagic), "handshake magic"); err != nil {
		return fmt.Errorf("failed to write handshake magic: %w", err)
	}
	if err := writeUint16Control(w, msg.Version, "version"); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	if err := writeStringControl(w, msg.TransferID, "transfer id"); err != nil {
		return fmt.Errorf("failed to write transfer id: %w", err)
	}
	return nil
}

func readHandshake(r io.Reader) (Handshake, error) {
	var msg Handshake
	magicBuf := make([]byte, len(handshakeMagic))
	if err := readFullControl(r, magicBuf, "handshake magic"); err != nil {
		return msg, fmt.Errorf("failed to read handshake magic: %w", err)
	}
	if string(magicBuf) != handshakeMagic {
		return msg, ErrInvalidMagic
	}
	version, err := readUint16Control(r, "version")
	if err != nil {
		return msg, fmt.Errorf("failed to read version: %w", err)
	}
	msg.Version = version
	id, err := readStringControl(r, maxTransferIDLength, "transfer id")
	if err != nil {
		return msg, fmt.Errorf("failed to read transfer id: %w", err)
	}
	msg.TransferID = id
	return msg, nil
}

func writeHandshakeReply(w io.Writer, msg HandshakeReply) error {
	if err := writeFullControl(w, []byte{msg.Status}, "handshake status"); err != nil {
		return fmt.Errorf("failed to write handshake status: %w", err)
	}
	if err := writeUint16Control(w, msg.Version, "version"); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	return nil
}

func readHandshakeReply(r io.Reader) (HandshakeReply, error) {
	var msg HandshakeReply
	var status [1]byte
	if err := readFullControl(r, status[:], "handshake status"); err != nil {
		return msg, fmt.Errorf("failed to read handshake status: %w", err)
	}
	msg.Status = status[0]
	version, err := readUint16Control(r, "version")
	if err != nil {
		return msg, fmt.Errorf("failed to read version: %w", err)
	}
	msg.Version = version
	return msg, nil
}

func writeFileHeader(w io.Writer, version int, msg FileHeader) error {
	if len(msg.RelPath) == 0 {
		return ErrInvalidPath
	}
	if len(msg.RelPath) > maxRelPathLength {
		return ErrRelPathTooLong
	}
	if err := writeFullControl(w, []byte{msgFileHeader}, "file header type"); err != nil {
		return fmt.Errorf("failed to write FileHeader type: %w", err)
	}
	if err := writeStringControl(w, msg.RelPath, "relpath"); err != nil {
		return fmt.Errorf("failed to write relpath: %w", err)
	}
	if err := writeUint64Control(w, msg.FileSize, "file size"); err != nil {
		return fmt.Errorf("failed to write file size: %w", err)
	}
	if version >= modeBitsVersion {
		if err := writeUint32Control(w, msg.Mode, "mode"); err != nil {
			return fmt.Errorf("failed to write mode: %w", err)
		}
	}
	if err := writeUint64Control(w, msg.Offset, "unit offset"); err != nil {
		return fmt.Errorf("failed to write unit offset: %w", err)
	}
	if err := writeUint64Control(w, msg.Length, "unit length"); err != nil {
		return fmt.Errorf("failed to write unit length: %w", err)
	}
	return nil
}

func readFileHeader(r io.Reader, version int) (FileHeader, error) {
	var msg FileHeader
	relPath, err := readStringControl(r, maxRelPathLength, "relpath")
	if err != nil {
		return msg, fmt.Errorf("failed to read relpath: %w", err)
	}
	msg.RelPath = relPath
	if msg.FileSize, err = readUint64Control(r, "file size"); err != nil {
		return msg, fmt.Errorf("failed to read file size: %w", err)
	}
	if version >= modeBitsVersion {
		if msg.Mode, err = readUint32Control(r, "mode"); err != nil {
			return msg, fmt.Errorf("failed to read mode: %w", err)
		}
	}
	if msg.Offset, err = readUint64Control(r, "unit offset"); err != nil {
		return msg, fmt.Errorf("failed to read unit offset: %w", err)
	}
	if msg.Length, err = readUint64Control(r, "unit length"); err != nil {
		return msg, fmt.Errorf("failed to read unit length: %w", err)
	}
	return msg, nil
}

func writeHeaderReply(w io.Writer, msg HeaderReply) error {
	text := msg.Message
	if len(text) > maxStatusMsgLength {
		text = text[:maxStatusMsgLength]
	}
	if err := writeFullControl(w, []byte{msgHeaderReply, byte(msg.Status)}, "header reply"); err != nil {
		return fmt.Errorf("failed to write HeaderReply: %w", err)
	}
	if err := writeStringControl(w, text, "header reply message"); err != nil {
		return fmt.Errorf("failed to write HeaderReply message: %w", err)
	}
	return nil
}

func readHeaderReply(r io.Reader) (HeaderReply, error) {
	var msg HeaderReply
	var status [1]byte
	if err := readFullControl(r, status[:], "header reply status"); err != nil {
		return msg, fmt.Errorf("failed to read HeaderReply status: %w", err)
	}
	msg.Status = Status(status[0])
	text, err := readStringControl(r, maxStatusMsgLength, "header reply message")
	if err != nil {
		return msg, fmt.Errorf("failed to read HeaderReply message: %w", err)
	}
	msg.Message = text
	return msg, nil
}

// writeBlock writes a complete block message: frame, payload and checksum.
func writeBlock(w io.Writer, version int, offset uint64, payload []byte, checksum uint64) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [1 + 8 + 4]byte
	hdr[0] = msgBlock
	binary.BigEndian.PutUint64(hdr[1:9], offset)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(payload)))
	if err := writeFullControl(w, hdr[:], "block header"); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	if err := writeFullControl(w, payload, "block payload"); err != nil {
		return fmt.Errorf("failed to write block payload: %w", err)
	}
	if err := writeChecksum(w, version, checksum); err != nil {
		return fmt.Errorf("failed to write block checksum: %w", err)
	}
	return nil
}

func readBlockFrame(r io.Reader) (BlockFrame, error) {
	var msg BlockFrame
	var err error
	if msg.Offset, err = readUint64Control(r, "block offset"); err != nil {
		return msg, fmt.Errorf("failed to read block offset: %w", err)
	}
	if msg.Length, err = readUint32Control(r, "block length"); err != nil {
		return msg, fmt.Errorf("failed to read block length: %w", err)
	}
	if msg.Length > MaxFrameSize {
		return msg, ErrFrameTooLarge
	}
	return msg, nil
}

// readBlockPayload fills buf with the payload and returns the declared checksum.
func readBlockPayload(r io.Reader, version int, buf []byte) (uint64, error) {
	if err := readFullControl(r, buf, "block payload"); err != nil {
		return 0, fmt.Errorf("failed to read block payload: %w", err)
	}
	sum, err := readChecksum(r, version)
	if err != nil {
		return 0, fmt.Errorf("failed to read block checksum: %w", err)
	}
	return sum, nil
}

func writeAck(w io.Writer, msg Ack) error {
	if err := writeFullControl(w, []byte{msgAck, byte(msg.Status)}, "ack"); err != nil {
		return fmt.Errorf("failed to write Ack: %w", err)
	}
	return nil
}

func writeUnitEnd(w io.Writer, version int, msg UnitEnd) error {
	if err := writeFullControl(w, []byte{msgUnitEnd}, "unit end type"); err != nil {
		return fmt.Errorf("failed to write UnitEnd type: %w", err)
	}
	if err := writeChecksum(w, version, msg.Checksum); err != nil {
		return fmt.Errorf("failed to write unit checksum: %w", err)
	}
	return nil
}

func writeUnitDone(w io.Writer, msg UnitDone) error {
	done := byte(0)
	if msg.FileDone {
		done = 1
	}
	if err := writeFullControl(w, []byte{msgUnitDone, byte(msg.Status), done}, "unit done"); err != nil {
		return fmt.Errorf("failed to write UnitDone: %w", err)
	}
	return nil
}

func writeUnitCancel(w io.Writer) error {
	if err := writeFullControl(w, []byte{msgUnitCancel}, "unit cancel"); err != nil {
		return fmt.Errorf("failed to write UnitCancel: %w", err)
	}
	return nil
}

func writeFin(w io.Writer, msg Fin) error {
	aborted := byte(0)
	if msg.Aborted {
		aborted = 1
	}
	if err := writeFullControl(w, []byte{msgFin, aborted}, "fin"); err != nil {
		return fmt.Errorf("failed to write Fin: %w", err)
	}
	return nil
}

func writeFinAck(w io.Writer, msg FinAck) error {
	if err := writeFullControl(w, []byte{msgFinAck, byte(msg.Status)}, "fin ack"); err != nil {
		return fmt.Errorf("failed to write FinAck: %w", err)
	}
	return nil
}

// readMessage reads one message type byte and its body. For msgBlock only
// the BlockFrame is consumed; the caller reads payload and checksum.
func readMessage(r io.Reader, version int) (byte, any, error) {
	var msgType [1]byte
	if err := readFullControl(r, msgType[:], "message type"); err != nil {
		return 0, nil, err
	}

	switch msgType[0] {
	case msgFileHeader:
		msg, err := readFileHeader(r, version)
		return msgFileHeader, msg, err
	case msgHeaderReply:
		msg, err := readHeaderReply(r)
		return msgHeaderReply, msg, err
	case msgBlock:
		msg, err := readBlockFrame(r)
		return msgBlock, msg, err
	case msgAck:
		var b [1]byte
		err := readFullControl(r, b[:], "ack status")
		return msgAck, Ack{Status: Status(b[0])}, err
	case msgUnitEnd:
		sum, err := readChecksum(r, version)
		return msgUnitEnd, UnitEnd{Checksum: sum}, err
	case msgUnitDone:
		var b [2]byte
		err := readFullControl(r, b[:], "unit done")
		return msgUnitDone, UnitDone{Status: Status(b[0]), FileDone: b[1] == 1}, err
	case msgUnitCancel:
		return msgUnitCancel, nil, nil
	case msgFin:
		var b [1]byte
		err := readFullControl(r, b[:], "fin")
		return msgFin, Fin{Aborted: b[0] == 1}, err
	case msgFinAck:
		var b [1]byte
		err := readFullControl(r, b[:], "fin ack")
		return msgFinAck, FinAck{Status: Status(b[0])}, err
	default:
		return msgType[0], nil, fmt.Errorf("%w: 0x%02x", ErrInvalidRecordType, msgType[0])
	}
}

// expectMessage reads one message and fails unless it has type want.
func expectMessage(r io.Reader, version int, want byte) (any, error) {
	got, msg, err := readMessage(r, version)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrUnexpectedMessage, got, want)
	}
	return msg, nil
}

func writeChecksum(w io.Writer, version int, sum uint64) error {
	if checksumWidth(version) == 8 {
		return writeUint64Control(w, sum, "checksum")
	}
	return writeUint32Control(w, uint32(sum), "checksum")
}

func readChecksum(r io.Reader, version int) (uint64, error) {
	if checksumWidth(version) == 8 {
		return readUint64Control(r, "checksum")
	}
	v, err := readUint32Control(r, "checksum")
	return uint64(v), err
}

func writeStringControl(w io.Writer, s string, op string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("%s too long", op)
	}
	if err := writeUint16Control(w, uint16(len(s)), op+" length"); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	return writeFullControl(w, []byte(s), op)
}

func readStringControl(r io.Reader, max int, op string) (string, error) {
	n, err := readUint16Control(r, op+" length")
	if err != nil {
		return "", err
	}
	if int(n) > max {
		if op == "relpath" {
			return "", ErrRelPathTooLong
		}
		return "", fmt.Errorf("%w: %s length %d", ErrUnexpectedMessage, op, n)
	}
	buf := make([]byte, n)
	if n > 0 {
		if err := readFullControl(r, buf, op); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

func readFullControl(r io.Reader, buf []byte, op string) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return fmt.Errorf("stream read %s: %w", op, err)
	}
	return nil
}

func writeFullControl(w io.Writer, buf []byte, op string) error {
	written := 0
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("stream write %s: %w", op, err)
		}
		written += n
	}
	return nil
}

func readUint16Control(r io.Reader, op string) (uint16, error) {
	var buf [2]byte
	if err := readFullControl(r, buf[:], op); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readUint32Control(r io.Reader, op string) (uint32, error) {
	var buf [4]byte
	if err := readFullControl(r, buf[:], op); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUint64Control(r io.Reader, op string) (uint64, error) {
	var buf [8]byte
	if err := readFullControl(r, buf[:], op); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeUint16Control(w io.Writer, value uint16, op string) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], value)
	return writeFullControl(w, buf[:], op)
}

func writeUint32Control(w io.Writer, value uint32, op string) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	return writeFullControl(w, buf[:], op)
}

func writeUint64Control(w io.Writer, value uint64, op string) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	return writeFullControl(w, buf[:], op)
}
