package stream

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// DType names the pixel encoding of a binary frame.
type DType string

const (
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Float64 DType = "float64"
)

// maxHeaderLen bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderLen = 64 << 10

// ErrMalformed is wrapped by every frame decoding failure.
var ErrMalformed = errors.New("stream: malformed frame")

// frameHeader precedes the pixel payload of a binary frame message.
type frameHeader struct {
	PulseID      int64     `json:"pulse_id"`
	Timestamp    time.Time `json:"timestamp"`
	PropertyName string    `json:"property_name"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	DType        DType     `json:"dtype"`
}

func (d DType) size() int {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Float64:
		return 8
	}
	return 0
}

// EncodeFrame serialises f as a binary message: a 4-byte big-endian header
// length, the JSON header, then row-major little-endian pixels in dtype.
// Values are truncated to the range of integer dtypes.
func EncodeFrame(f *Frame, dtype DType) ([]byte, error) {
	size := dtype.size()
	if size == 0 {
		return nil, fmt.Errorf("stream: encode: unknown dtype %q", dtype)
	}
	rows, cols := f.Pixels.Dims()
	hdr, err := json.Marshal(frameHeader{
		PulseID:      f.PulseID,
		Timestamp:    f.Timestamp,
		PropertyName: f.PropertyName,
		Width:        cols,
		Height:       rows,
		DType:        dtype,
	})
	if err != nil {
		return nil, fmt.Errorf("stream: encode header: %w", err)
	}

	out := make([]byte, 4+len(hdr)+rows*cols*size)
	binary.BigEndian.PutUint32(out, uint32(len(hdr)))
	copy(out[4:], hdr)

	px := out[4+len(hdr):]
	for y := 0; y < rows; y++ {
		for x, v := range f.Pixels.RawRowView(y) {
			off := (y*cols + x) * size
			switch dtype {
			case Uint8:
				px[off] = uint8(clamp(v, math.MaxUint8))
			case Uint16:
				binary.LittleEndian.PutUint16(px[off:], uint16(clamp(v, math.MaxUint16)))
			case Float64:
				binary.LittleEndian.PutUint64(px[off:], math.Float64bits(v))
			}
		}
	}
	return out, nil
}

// DecodeFrame parses a message produced by EncodeFrame.
func DecodeFrame(msg []byte) (*Frame, error) {
	if len(msg) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(msg))
	}
	n := int(binary.BigEndian.Uint32(msg))
	if n > maxHeaderLen || 4+n > len(msg) {
		return nil, fmt.Errorf("%w: header length %d", ErrMalformed, n)
	}

	var hdr frameHeader
	if err := json.Unmarshal(msg[4:4+n], &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	size := hdr.DType.size()
	if size == 0 {
		return nil, fmt.Errorf("%w: unknown dtype %q", ErrMalformed, hdr.DType)
	}
	if hdr.Width < 1 || hdr.Height < 1 {
		return nil, fmt.Errorf("%w: shape %dx%d", ErrMalformed, hdr.Height, hdr.Width)
	}
	px := msg[4+n:]
	if len(px) != hdr.Width*hdr.Height*size {
		return nil, fmt.Errorf("%w: %d pixel bytes for %dx%d %s",
			ErrMalformed, len(px), hdr.Height, hdr.Width, hdr.DType)
	}

	data := make([]float64, hdr.Width*hdr.Height)
	for i := range data {
		off := i * size
		switch hdr.DType {
		case Uint8:
			data[i] = float64(px[off])
		case Uint16:
			data[i] = float64(binary.LittleEndian.Uint16(px[off:]))
		case Float64:
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(px[off:]))
		}
	}

	return &Frame{
		PulseID:      hdr.PulseID,
		Timestamp:    hdr.Timestamp,
		PropertyName: hdr.PropertyName,
		Pixels:       mat.NewDense(hdr.Height, hdr.Width, data),
	}, nil
}

// Message is the JSON envelope of one processed record on the data stream.
type Message struct {
	PulseID   int64     `json:"pulse_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// EncodeRecord is an Encoder for the data stream: a JSON Message per record.
func EncodeRecord(pulseID int64, ts time.Time, data any) ([]byte, error) {
	b, err := json.Marshal(Message{PulseID: pulseID, Timestamp: ts, Data: data})
	if err != nil {
		return nil, fmt.Errorf("stream: encode record: %w", err)
	}
	return b, nil
}

// FrameEncoder returns an Encoder for the image stream. data must be a *Frame.
func FrameEncoder(dtype DType) Encoder {
	return func(_ int64, _ time.Time, data any) ([]byte, error) {
		f, ok := data.(*Frame)
		if !ok {
			return nil, fmt.Errorf("stream: image stream expects *Frame, got %T", data)
		}
		return EncodeFrame(f, dtype)
	}
}

func clamp(v, hi float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
