package wire

import (
	"github.com/teranos/batchd/errors"
)

// Tensor is a typed multidimensional array: the raw row-major buffer plus
// dtype and shape. Data is shared, never copied, across encode/decode.
type Tensor struct {
	DType string
	Shape []int
	Data  []byte
}

// TensorMeta describes an ndarray-protocol payload.
type TensorMeta struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// dtypeSizes maps known dtypes to their element width. Unknown dtypes are
// passed through unvalidated; the compute function owns their meaning.
var dtypeSizes = map[string]int{
	"bool":    1,
	"int8":    1,
	"uint8":   1,
	"int16":   2,
	"uint16":  2,
	"int32":   4,
	"uint32":  4,
	"int64":   8,
	"uint64":  8,
	"float16": 2,
	"float32": 4,
	"float64": 8,
}

// NumElems returns the element count implied by the shape.
func (t Tensor) NumElems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// validate checks the buffer length against dtype and shape when the dtype
// width is known.
func (t Tensor) validate() error {
	size, ok := dtypeSizes[t.DType]
	if !ok {
		return nil
	}
	if want := t.NumElems() * size; want != len(t.Data) {
		return errors.Newf("wire: tensor buffer is %d bytes, dtype %s shape %v needs %d",
			len(t.Data), t.DType, t.Shape, want)
	}
	return nil
}

// EncodeTensor builds an ndarray-protocol message. The tensor buffer is the
// payload frame as-is.
func EncodeTensor(clientID, reqID string, t Tensor) (*Message, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	meta, err := json.Marshal(TensorMeta{DType: t.DType, Shape: t.Shape})
	if err != nil {
		return nil, errors.Wrap(err, "wire: marshal tensor meta")
	}
	return &Message{
		ClientID: []byte(clientID),
		ReqID:    []byte(reqID),
		Payload:  t.Data,
		Meta:     meta,
	}, nil
}

// DecodeTensor reconstructs a tensor by interpreting the payload buffer with
// the meta's dtype and shape. The buffer is aliased, not copied.
func DecodeTensor(m *Message) (Tensor, error) {
	var meta TensorMeta
	if err := json.Unmarshal(m.Meta, &meta); err != nil {
		return Tensor{}, errors.Wrap(err, "wire: unmarshal tensor meta")
	}
	t := Tensor{DType: meta.DType, Shape: meta.Shape, Data: m.Payload}
	if err := t.validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}
