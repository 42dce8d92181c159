package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// writeFrame/readFrame length-prefix each serialized entry inside a chunk's
// single compressed stream (§4.2 "serialized as a single stream").
func writeFrame(buf *bytes.Buffer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := buf.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := buf.Write(data)
	return err
}

func readFrame(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return data, nil
}
