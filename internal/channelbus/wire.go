package channelbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Beacon's channel bus has its own tiny framing, independent of the
// coordinator's wire protocol (spec.md §4.6: "the server does not carry
// channel data"). A publish frame is a channel name followed by its new
// value, each length-prefixed; a survey request/reply frame carries just
// one length-prefixed blob (the channel name on request, the value on
// reply).
const maxFrameSize = 16 << 20 // 16 MiB, generous for a channel value

func writeBlob(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("channelbus: frame of %d bytes exceeds limit", n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writePublish encodes a (name, value) publish onto the broadcast mesh.
func writePublish(w io.Writer, name string, value []byte) error {
	if err := writeBlob(w, []byte(name)); err != nil {
		return err
	}
	return writeBlob(w, value)
}

func readPublish(r io.Reader) (name string, value []byte, err error) {
	nameBytes, err := readBlob(r)
	if err != nil {
		return "", nil, err
	}
	value, err = readBlob(r)
	if err != nil {
		return "", nil, err
	}
	return string(nameBytes), value, nil
}
