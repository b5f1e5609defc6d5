// Package pktline implements the pkt-line framing used by the Git wire
// protocol. See https://git-scm.com/docs/protocol-common#_pkt_line_format.
//
// A pkt-line is a four hex digit length (which counts itself) followed by
// the payload. The special length "0000" is a flush-pkt and carries no data.
package pktline

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// MaxPacketLen is the longest pkt-line, length prefix included.
	MaxPacketLen = 65520

	// MaxPayloadLen is the longest payload a single pkt-line can carry.
	MaxPayloadLen = MaxPacketLen - lenSize

	lenSize = 4
)

// FlushPkt is the encoded flush-pkt.
var FlushPkt = []byte("0000")

var (
	// ErrTooLong is returned when a payload does not fit in one pkt-line.
	ErrTooLong = errors.New("pkt-line too long")

	// ErrFlush is returned by Decoder.ReadPacket when a flush-pkt is read.
	ErrFlush = errors.New("flush-pkt")

	// ErrInvalidLength is returned when a length prefix is malformed.
	ErrInvalidLength = errors.New("invalid pkt-line length")
)

// Encoder writes pkt-lines to an underlying writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WritePacket writes p as a single pkt-line.
func (e *Encoder) WritePacket(p []byte) error {
	if len(p) > MaxPayloadLen {
		return ErrTooLong
	}
	buf := make([]byte, 0, lenSize+len(p))
	buf = fmt.Appendf(buf, "%04x", len(p)+lenSize)
	buf = append(buf, p...)
	_, err := e.w.Write(buf)
	return err
}

// WriteString writes s as a single pkt-line.
func (e *Encoder) WriteString(s string) error {
	return e.WritePacket([]byte(s))
}

// Writef formats according to a format specifier and writes the result as a
// single pkt-line.
func (e *Encoder) Writef(format string, a ...any) error {
	return e.WriteString(fmt.Sprintf(format, a...))
}

// Flush writes a flush-pkt.
func (e *Encoder) Flush() error {
	_, err := e.w.Write(FlushPkt)
	return err
}

// Decoder reads pkt-lines from an underlying reader.
type Decoder struct {
	r   io.Reader
	hdr [lenSize]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadPacket reads the next pkt-line and returns its payload. It returns
// ErrFlush for a flush-pkt and io.EOF when the stream ends cleanly between
// packets.
func (d *Decoder) ReadPacket() ([]byte, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading pkt-line length: %w", err)
	}

	n, err := strconv.ParseUint(string(d.hdr[:]), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLength, d.hdr[:])
	}

	switch {
	case n == 0:
		return nil, ErrFlush
	case n < lenSize || n > MaxPacketLen:
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}

	payload := make([]byte, int(n)-lenSize)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("reading pkt-line payload: %w", err)
	}
	return payload, nil
}
