// Package wire implements Beacon's framing and message codec:
// an 8-byte little-endian header (message type, payload length)
// followed by a command-specific payload.
package wire

import (
	"encoding/binary"
	"errors"
	"strings"
)

// HeaderSize is the size in bytes of the frame header.
const HeaderSize = 8

// ErrIncomplete is returned by Decode when the buffer does not yet contain
// a full frame. Callers must treat this as "wait for more bytes", not as a
// decode failure.
var ErrIncomplete = errors.New("wire: incomplete frame")

// MessageType is the wire-stable message type tag carried in every frame
// header. Values match the historical protocol exactly (see spec.md §4.1).
type MessageType int32

const (
	Unknown MessageType = -1

	Lock          MessageType = 20
	Unlock        MessageType = 21
	LockOK        MessageType = 22
	LockRetry     MessageType = 23
	LockStolen    MessageType = 24
	LockStolenAck MessageType = 25

	RedisAddrQuery MessageType = 30
	RedisAddrReply MessageType = 31

	UDSQuery  MessageType = 40
	UDSOK     MessageType = 41
	UDSFailed MessageType = 42

	GetFile       MessageType = 50
	GetFileFailed MessageType = 51
	GetFileOK     MessageType = 52

	GetDBTree MessageType = 60
	DBFile    MessageType = 61
	DBEnd     MessageType = 62

	SetFile       MessageType = 70
	SetFileFailed MessageType = 71
	SetFileOK     MessageType = 72

	RemoveFile MessageType = 80
	MovePath   MessageType = 81

	// RemoveFileOK, MovePathOK and OperationFailed have no historical
	// wire-stable codes (spec.md §4.1 lists no reply for REMOVE_FILE or
	// MOVE_PATH); these are Beacon-local additions so beaconserver can
	// acknowledge or fail the operation instead of replying silently.
	RemoveFileOK    MessageType = 90
	MovePathOK      MessageType = 91
	OperationFailed MessageType = 92
)

// Frame is a single decoded wire message.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes f into its wire representation.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Message is a convenience wrapper around Encode for call sites that build
// a payload from joined fields.
func Message(t MessageType, payload ...string) []byte {
	return Encode(Frame{Type: t, Payload: []byte(JoinFields(payload...))})
}

// DecodeHeader parses just the 8-byte frame header, returning the message
// type and payload length. Used by streaming readers (internal/transport)
// that read the header and payload as two separate I/O operations instead
// of buffering the whole frame up front.
func DecodeHeader(header []byte) (MessageType, int32, error) {
	if len(header) != HeaderSize {
		return 0, 0, errors.New("wire: header must be exactly HeaderSize bytes")
	}
	typ := int32(binary.LittleEndian.Uint32(header[0:4]))
	length := int32(binary.LittleEndian.Uint32(header[4:8]))
	if length < 0 {
		return 0, 0, errors.New("wire: negative frame length")
	}
	return MessageType(typ), length, nil
}

// Decode attempts to decode one frame from buf. It returns the decoded
// frame, the number of bytes consumed, and an error. A buffer shorter than
// a full frame yields ErrIncomplete — not a hard error — per spec.md §4.1
// framing rules.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrIncomplete
	}
	typ := int32(binary.LittleEndian.Uint32(buf[0:4]))
	length := int32(binary.LittleEndian.Uint32(buf[4:8]))
	if length < 0 {
		return Frame{}, 0, errors.New("wire: negative frame length")
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:total])
	return Frame{Type: MessageType(typ), Payload: payload}, total, nil
}

// FieldSep is the separator used for `|`-delimited text payloads.
const FieldSep = "|"

// JoinFields joins fields with FieldSep, matching the `priority|name1|name2`
// style payload encoding used throughout the protocol.
func JoinFields(fields ...string) string {
	return strings.Join(fields, FieldSep)
}

// SplitFields splits a `|`-delimited payload into its fields. An empty
// payload yields a single empty-string field, matching Python's
// `"".split("|") == [""]` semantics that the original protocol relies on
// for zero-length LOCK/UNLOCK payloads (spec.md §8 boundary behaviors).
func SplitFields(payload []byte) []string {
	return strings.Split(string(payload), FieldSep)
}

// SplitKeyRest splits a payload on the first FieldSep only, returning the
// leading `msgkey` (or similar tag) and the remainder untouched. Used by
// config operations whose remaining field may itself legitimately contain
// `|` (e.g. file content).
func SplitKeyRest(payload []byte) (key string, rest []byte, ok bool) {
	s := string(payload)
	idx := strings.IndexByte(s, '|')
	if idx < 0 {
		return "", nil, false
	}
	return s[:idx], []byte(s[idx+1:]), true
}
