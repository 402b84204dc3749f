package sidecar

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single frame in either direction. Room keys shared
// with a large room are the biggest payloads the helper produces.
const MaxFrameSize = 16 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding so identical requests produce identical frames.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sidecar: CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("sidecar: CBOR decoder: " + err.Error())
	}
}

type request struct {
	ID     uint64          `cbor:"id"`
	Method string          `cbor:"method"`
	Args   cbor.RawMessage `cbor:"args,omitempty"`
}

type response struct {
	ID    uint64          `cbor:"id"`
	OK    bool            `cbor:"ok"`
	Error string          `cbor:"error,omitempty"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

// writeFrame writes v as one CBOR item behind a 4-byte big-endian length.
func writeFrame(w io.Writer, v any) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err = w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("truncated frame: %w", err)
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
