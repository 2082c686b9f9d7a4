// Package wire implements the framed binary transport shared by the local
// batching server and the fan-out router: four length-prefixed frames per
// message carrying [clientId, reqId, payload, meta].
package wire

import (
	"encoding/binary"
	"io"

	"github.com/teranos/batchd/errors"
)

// Per-frame size caps. A peer exceeding them is mis-speaking the protocol
// and gets ErrFrameTooLarge rather than an allocation at its chosen size.
const (
	MaxClientIDLen = 255
	MaxReqIDLen    = 64
	MaxMetaLen     = 4 * 1024
	MaxPayloadLen  = 64 * 1024 * 1024
)

var (
	// ErrFrameTooLarge indicates a frame length prefix above the cap for
	// its slot.
	ErrFrameTooLarge = errors.New("wire: frame exceeds size cap")
)

// Message is one wire message: an opaque client identity, a request id,
// the payload bytes, and a small JSON meta blob describing the payload.
type Message struct {
	ClientID []byte
	ReqID    []byte
	Payload  []byte
	Meta     []byte
}

// WriteMessage writes m as four length-prefixed frames. Callers that care
// about syscall count wrap w in a bufio.Writer and flush once per message.
func WriteMessage(w io.Writer, m *Message) error {
	if err := checkCaps(m); err != nil {
		return err
	}
	for _, frame := range [][]byte{m.ClientID, m.ReqID, m.Payload, m.Meta} {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
		if _, err := w.Write(prefix[:]); err != nil {
			return errors.Wrap(err, "wire: write frame prefix")
		}
		if len(frame) > 0 {
			if _, err := w.Write(frame); err != nil {
				return errors.Wrap(err, "wire: write frame body")
			}
		}
	}
	return nil
}

// ReadMessage reads one four-frame message. io.EOF before the first byte is
// returned as-is so callers can treat a clean peer close distinctly.
func ReadMessage(r io.Reader) (*Message, error) {
	limits := [4]int{MaxClientIDLen, MaxReqIDLen, MaxPayloadLen, MaxMetaLen}
	var frames [4][]byte
	for i := 0; i < 4; i++ {
		frame, err := readFrame(r, limits[i], i == 0)
		if err != nil {
			return nil, err
		}
		frames[i] = frame
	}
	return &Message{
		ClientID: frames[0],
		ReqID:    frames[1],
		Payload:  frames[2],
		Meta:     frames[3],
	}, nil
}

func readFrame(r io.Reader, limit int, first bool) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if first && err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "wire: read frame prefix")
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if int(n) > limit {
		return nil, errors.Wrapf(ErrFrameTooLarge, "wire: %d > %d", n, limit)
	}
	if n == 0 {
		return nil, nil
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, errors.Wrap(err, "wire: read frame body")
	}
	return frame, nil
}

func checkCaps(m *Message) error {
	switch {
	case len(m.ClientID) > MaxClientIDLen:
		return errors.Wrap(ErrFrameTooLarge, "clientId")
	case len(m.ReqID) > MaxReqIDLen:
		return errors.Wrap(ErrFrameTooLarge, "reqId")
	case len(m.Payload) > MaxPayloadLen:
		return errors.Wrap(ErrFrameTooLarge, "payload")
	case len(m.Meta) > MaxMetaLen:
		return errors.Wrap(ErrFrameTooLarge, "meta")
	}
	return nil
}
