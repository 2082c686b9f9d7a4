package wire

import (
	"bytes"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"

	"github.com/teranos/batchd/errors"
)

// json handles the meta blobs on the codec hot path.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Protocol selects the payload encoding for a deployment.
type Protocol string

const (
	// ProtocolObject carries opaque serialized bytes, optionally compressed.
	ProtocolObject Protocol = "obj"
	// ProtocolNDArray carries the raw row-major buffer of a typed array.
	ProtocolNDArray Protocol = "numpy"
)

// Valid reports whether p is a known transfer protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolObject || p == ProtocolNDArray
}

// Reserved command tokens carried as the payload frame of control messages.
var (
	CmdTerminate  = []byte("TERMINATION")
	CmdIdle       = []byte("IDLE")
	CmdRestart    = []byte("RESTART_CLIENT")
	CmdShowConfig = []byte("SHOW_CONFIG")
	CmdSwitch     = []byte("SWITCH")
)

var commands = [][]byte{CmdTerminate, CmdIdle, CmdRestart, CmdShowConfig, CmdSwitch}

// IsCommand reports whether payload is one of the reserved command tokens.
func IsCommand(payload []byte) bool {
	for _, c := range commands {
		if bytes.Equal(payload, c) {
			return true
		}
	}
	return false
}

// ObjectMeta describes an object-protocol payload.
type ObjectMeta struct {
	Protocol int `json:"protocol"`
	Compress int `json:"compress"`
}

// ErrorMeta marks a payload as a typed error reply rather than data.
type ErrorMeta struct {
	Error string `json:"error"`
}

// Error kinds carried in ErrorMeta.
const (
	ErrorInternal = "internal"
	ErrorTimeout  = "timeout"
)

// EncodeObject builds an object-protocol message. With compress set the
// payload is zlib-compressed before framing.
func EncodeObject(clientID, reqID string, payload []byte, compress bool) (*Message, error) {
	body := payload
	c := 0
	if compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, errors.Wrap(err, "wire: compress payload")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "wire: compress payload")
		}
		body = buf.Bytes()
		c = 1
	}
	meta, err := json.Marshal(ObjectMeta{Protocol: 0, Compress: c})
	if err != nil {
		return nil, errors.Wrap(err, "wire: marshal object meta")
	}
	return &Message{
		ClientID: []byte(clientID),
		ReqID:    []byte(reqID),
		Payload:  body,
		Meta:     meta,
	}, nil
}

// DecodeObject returns the payload bytes of an object-protocol message,
// decompressing when the meta says so.
func DecodeObject(m *Message) ([]byte, error) {
	var meta ObjectMeta
	if err := json.Unmarshal(m.Meta, &meta); err != nil {
		return nil, errors.Wrap(err, "wire: unmarshal object meta")
	}
	if meta.Compress != 1 {
		return m.Payload, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(m.Payload))
	if err != nil {
		return nil, errors.Wrap(err, "wire: open compressed payload")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "wire: decompress payload")
	}
	return out, nil
}

// ErrorMessage builds a typed error reply frame for the given request.
func ErrorMessage(clientID, reqID []byte, kind string) *Message {
	meta, _ := json.Marshal(ErrorMeta{Error: kind})
	return &Message{
		ClientID: clientID,
		ReqID:    reqID,
		Payload:  nil,
		Meta:     meta,
	}
}

// ErrorKind returns the error kind of a typed error reply, or "" when the
// message is ordinary data.
func ErrorKind(m *Message) string {
	var meta ErrorMeta
	if err := json.Unmarshal(m.Meta, &meta); err != nil {
		return ""
	}
	return meta.Error
}
