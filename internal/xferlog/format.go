package xferlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	logMagic   = "WRPL"
	logVersion = uint16(1)

	// maxRecordBody bounds a record so a corrupt length prefix cannot make the
	// parser allocate unbounded memory.
	maxRecordBody = 2 + 0xFFFF + 8 + 8 + 1
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Status is the completion state stored in a log record.
type Status uint8

const (
	// StatusComplete marks a file fully written and verified.
	StatusComplete Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Entry is one durable completion record.
type Entry struct {
	RelPath  string
	Size     int64
	Checksum uint64
	Status   Status
}

var errShortHeader = errors.New("log header incomplete")

func encodeHeader(transferID string) ([]byte, error) {
	id := []byte(transferID)
	if len(id) > 0xFFFF {
		return nil, fmt.Errorf("transfer id too long")
	}
	buf := new(bytes.Buffer)
	buf.WriteString(logMagic)
	if err := binary.Write(buf, binary.BigEndian, logVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(id))); err != nil {
		return nil, err
	}
	buf.Write(id)
	crc := crc32.Checksum(buf.Bytes(), crc32cTable)
	if err := binary.Write(buf, binary.BigEndian, crc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeEntry(e Entry) ([]byte, error) {
	path := []byte(e.RelPath)
	if len(path) == 0 || len(path) > 0xFFFF {
		return nil, fmt.Errorf("invalid path length %d", len(path))
	}
	bodyLen := 2 + len(path) + 8 + 8 + 1
	out := make([]byte, 4+bodyLen+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(bodyLen))
	body := out[4 : 4+bodyLen]
	binary.BigEndian.PutUint16(body[0:2], uint16(len(path)))
	n := 2 + copy(body[2:], path)
	binary.BigEndian.PutUint64(body[n:n+8], uint64(e.Size))
	binary.BigEndian.PutUint64(body[n+8:n+16], e.Checksum)
	body[n+16] = byte(e.Status)
	binary.BigEndian.PutUint32(out[4+bodyLen:], crc32.Checksum(body, crc32cTable))
	return out, nil
}

// parseHeader returns the transfer id and the header length.
func parseHeader(data []byte) (string, int, error) {
	if len(data) < 4+2+2+4 {
		return "", 0, errShortHeader
	}
	if string(data[:4]) != logMagic {
		return "", 0, fmt.Errorf("invalid log magic")
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version != logVersion {
		return "", 0, fmt.Errorf("unsupported log version %d", version)
	}
	idLen := int(binary.BigEndian.Uint16(data[6:8]))
	end := 8 + idLen
	if len(data) < end+4 {
		return "", 0, errShortHeader
	}
	if crc := binary.BigEndian.Uint32(data[end : end+4]); crc != crc32.Checksum(data[:end], crc32cTable) {
		return "", 0, fmt.Errorf("log header checksum mismatch")
	}
	return string(data[8:end]), end + 4, nil
}

// parseEntries decodes records from data until the first incomplete or
// corrupt record and returns the decoded entries with the length of the
// valid prefix.
func parseEntries(data []byte) ([]Entry, int) {
	var entries []Entry
	off := 0
	for {
		rest := data[off:]
		if len(rest) < 4 {
			return entries, off
		}
		bodyLen := int(binary.BigEndian.Uint32(rest[0:4]))
		if bodyLen < 2+1+8+8+1 || bodyLen > maxRecordBody || len(rest) < 4+bodyLen+4 {
			return entries, off
		}
		body := rest[4 : 4+bodyLen]
		if binary.BigEndian.Uint32(rest[4+bodyLen:4+bodyLen+4]) != crc32.Checksum(body, crc32cTable) {
			return entries, off
		}
		pathLen := int(binary.BigEndian.Uint16(body[0:2]))
		if pathLen == 0 || 2+pathLen+8+8+1 != bodyLen {
			return entries, off
		}
		n := 2 + pathLen
		entries = append(entries, Entry{
			RelPath:  string(body[2:n]),
			Size:     int64(binary.BigEndian.Uint64(body[n : n+8])),
			Checksum: binary.BigEndian.Uint64(body[n+8 : n+16]),
			Status:   Status(body[n+16]),
		})
		off += 4 + bodyLen + 4
	}
}
