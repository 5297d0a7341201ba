package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameVersion = 1
	// MaxFrameSize bounds a single frame on the wire.
	MaxFrameSize = 16 << 20
)

type frame struct {
	Version uint8  `cbor:"v"`
	MAC     []byte `cbor:"mac"`
	Body    []byte `cbor:"body"`
}

// WriteMessage writes one authenticated message as
// u32 big-endian length + CBOR frame{version, mac, body}.
func WriteMessage(w io.Writer, key []byte, m Message) error {
	body, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	b, err := Marshal(frame{Version: frameVersion, MAC: sign(key, body), Body: body})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return writeBlob(w, b)
}

// ReadMessage reads one frame and verifies it. Malformed or unverified
// frames return an *AuthenticationError; I/O failures are returned as is.
func ReadMessage(r io.Reader, key []byte) (Message, error) {
	b, err := readBlob(r)
	if err != nil {
		return Message{}, err
	}
	var f frame
	if err := Unmarshal(b, &f); err != nil {
		return Message{}, &AuthenticationError{Reason: "malformed frame"}
	}
	if f.Version != frameVersion {
		return Message{}, &AuthenticationError{Reason: fmt.Sprintf("unsupported frame version %d", f.Version)}
	}
	if !verify(key, f.Body, f.MAC) {
		return Message{}, &AuthenticationError{Reason: "bad mac"}
	}
	var m Message
	if err := Unmarshal(f.Body, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func writeBlob(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(b))
	}
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n > MaxFrameSize {
		return nil, &AuthenticationError{Reason: fmt.Sprintf("frame too large: %d bytes", n)}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
