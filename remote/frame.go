// Package remote implements the §6.2 messenger wire protocol: a
// Messenger interface abstracting connect/send/recv against a peer,
// concrete framing (type:u16, size:u64, payload) over net.Conn for the
// tcp:// scheme, and RemoteTask, a task.Task that forwards the
// pull/push contract to a peer engine so remote proxies are
// transparent to the scheduler.
package remote

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"

	"github.com/ufokit/ufocore/buffer"
)

// Tag discriminates a Frame's payload, per §6.2's message table.
type Tag uint16

const (
	TagStreamJSON Tag = iota + 1
	TagReplicateJSON
	TagGetNumDevices
	TagGetNumCPUs
	TagGetStructure
	TagStructure
	TagGetRequisition
	TagRequisition
	TagSendInputs
	TagGetResult
	TagResult
	TagCleanup
	TagTerminate
	TagAck

	// TagAuth is not part of §6.2's wire table; it's a one-frame handshake
	// a client sends ahead of STREAM_JSON/REPLICATE_JSON when the daemon
	// was started with a shared secret, carrying a signed JWT as payload.
	TagAuth
)

// Frame is one message on the wire: a type tag and a size-prefixed
// payload. ReadFrame does not set Compressed; whether payloads are
// lz4-compressed is fixed per connection by the compress/decompress flag
// the caller passes to WriteFrame/ReadFrame, with no handshake
// negotiation, so both ends must use the same setting.
type Frame struct {
	Tag        Tag
	Payload    []byte
	Compressed bool
}

// WriteFrame writes tag and payload to w as
// `type:u16, size:u64, payload`. If compress is true the payload is
// lz4-compressed before the size is computed, so size always reflects
// what actually follows on the wire.
func WriteFrame(w io.Writer, tag Tag, payload []byte, compress bool) error {
	body := payload
	if compress {
		compressed, err := lz4Compress(payload)
		if err != nil {
			return errors.Wrap(err, "remote: compress frame")
		}
		body = compressed
	}

	var hdr [10]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(tag))
	binary.BigEndian.PutUint64(hdr[2:10], uint64(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "remote: write frame header")
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return errors.Wrap(err, "remote: write frame payload")
		}
	}
	return nil
}

// ReadFrame reads one frame from r. If decompress is true the payload
// is assumed lz4-compressed and is inflated before returning.
func ReadFrame(r io.Reader, decompress bool) (Frame, error) {
	var hdr [10]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, errors.Wrap(err, "remote: read frame header")
	}
	tag := Tag(binary.BigEndian.Uint16(hdr[0:2]))
	size := binary.BigEndian.Uint64(hdr[2:10])

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, errors.Wrap(err, "remote: read frame payload")
		}
	}
	if decompress && len(payload) > 0 {
		inflated, err := lz4Decompress(payload)
		if err != nil {
			return Frame{}, errors.Wrap(err, "remote: decompress frame")
		}
		payload = inflated
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

// lz4Compress runs src through a streaming lz4.Writer into an in-memory
// buffer, the same shape the aistore transport stream uses to frame a
// compressed body ahead of a length-prefixed wire header.
func lz4Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	return io.ReadAll(zr)
}

// shapeHeaderFromRequisition converts a buffer.Requisition to its wire
// ShapeHeader.
func shapeHeaderFromRequisition(req buffer.Requisition) ShapeHeader {
	return ShapeHeader{NDims: req.NDims, Dims: req.Dims}
}

// requisitionFromShapeHeader converts a decoded ShapeHeader back to a
// buffer.Requisition.
func requisitionFromShapeHeader(h ShapeHeader) buffer.Requisition {
	return buffer.Requisition{NDims: h.NDims, Dims: h.Dims}
}

// ShapeHeader describes a buffer's requisition for the wire: n_dims
// followed by n_dims dimension sizes, matching the REQUISITION and
// SEND_INPUTS shape-header fields of §6.2.
type ShapeHeader struct {
	NDims int
	Dims  [3]int
}

// AppendShapeHeader appends h's msgp-encoded form to dst.
func AppendShapeHeader(dst []byte, h ShapeHeader) []byte {
	dst = msgp.AppendUint16(dst, uint16(h.NDims))
	for i := 0; i < h.NDims; i++ {
		dst = msgp.AppendUint64(dst, uint64(h.Dims[i]))
	}
	return dst
}

// ReadShapeHeader reads back a ShapeHeader written by AppendShapeHeader,
// returning the remaining bytes.
func ReadShapeHeader(b []byte) (ShapeHeader, []byte, error) {
	ndims, b, err := msgp.ReadUint16Bytes(b)
	if err != nil {
		return ShapeHeader{}, nil, errors.Wrap(err, "remote: read shape n_dims")
	}
	if int(ndims) > len(ShapeHeader{}.Dims) {
		return ShapeHeader{}, nil, errors.Errorf("remote: shape header n_dims %d exceeds %d", ndims, len(ShapeHeader{}.Dims))
	}
	h := ShapeHeader{NDims: int(ndims)}
	for i := 0; i < h.NDims; i++ {
		var d uint64
		d, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return ShapeHeader{}, nil, errors.Wrapf(err, "remote: read shape dim %d", i)
		}
		h.Dims[i] = int(d)
	}
	return h, b, nil
}

// AppendBufferPayload appends a shape header, a msgp-encoded element
// count, and each element as a msgp float32 to dst; this is the payload
// encoding used for SEND_INPUTS and RESULT frames. The elements are not
// written as raw little-endian float32 bytes.
func AppendBufferPayload(dst []byte, h ShapeHeader, data []float32) []byte {
	dst = AppendShapeHeader(dst, h)
	dst = msgp.AppendUint64(dst, uint64(len(data)))
	for _, f := range data {
		dst = msgp.AppendFloat32(dst, f)
	}
	return dst
}

// ReadBufferPayload reads back a shape header and float32 slice written
// by AppendBufferPayload.
func ReadBufferPayload(b []byte) (ShapeHeader, []float32, error) {
	h, data, _, err := readBufferPayload(b)
	return h, data, err
}

// readBufferPayload is ReadBufferPayload plus the unconsumed tail, so
// callers decoding several concatenated buffer payloads (EncodeSendInputs'
// SEND_INPUTS frame) can keep reading from where the previous entry ended.
func readBufferPayload(b []byte) (ShapeHeader, []float32, []byte, error) {
	h, b, err := ReadShapeHeader(b)
	if err != nil {
		return ShapeHeader{}, nil, nil, err
	}
	n, b, err := msgp.ReadUint64Bytes(b)
	if err != nil {
		return ShapeHeader{}, nil, nil, errors.Wrap(err, "remote: read buffer payload length")
	}
	data := make([]float32, n)
	for i := range data {
		var f float32
		f, b, err = msgp.ReadFloat32Bytes(b)
		if err != nil {
			return ShapeHeader{}, nil, nil, errors.Wrapf(err, "remote: read buffer payload element %d", i)
		}
		data[i] = f
	}
	return h, data, b, nil
}

// EncodeSendInputs serializes the ordered input buffers of a §4.6 process
// call into a SEND_INPUTS payload: a count followed by each input's
// AppendBufferPayload encoding in turn. Buffer metadata is not included.
func EncodeSendInputs(inputs []*buffer.Buffer) ([]byte, error) {
	dst := msgp.AppendUint16(nil, uint16(len(inputs)))
	for _, in := range inputs {
		host, err := in.GetHostArray()
		if err != nil {
			return nil, err
		}
		dst = AppendBufferPayload(dst, shapeHeaderFromRequisition(in.Requisition()), host)
	}
	return dst, nil
}

// DecodeSendInputs reads back the shape headers and data slices written by
// EncodeSendInputs, in order.
func DecodeSendInputs(b []byte) ([]ShapeHeader, [][]float32, error) {
	n, b, err := msgp.ReadUint16Bytes(b)
	if err != nil {
		return nil, nil, errors.Wrap(err, "remote: read send-inputs count")
	}
	headers := make([]ShapeHeader, n)
	datas := make([][]float32, n)
	for i := range headers {
		var h ShapeHeader
		var data []float32
		h, data, b, err = readBufferPayload(b)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "remote: read send-inputs entry %d", i)
		}
		headers[i] = h
		datas[i] = data
	}
	return headers, datas, nil
}
