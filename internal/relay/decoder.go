package relay

import (
	"errors"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const decodeBufferSize = 4096

// Decoder turns a chunked UTF-8 byte stream into text. A multi-byte
// character split between two chunks is held back as residual bytes until
// the rest of it arrives. Invalid sequences are replaced with U+FFFD and a
// byte order mark at the very start of the stream is dropped.
type Decoder struct {
	t        transform.Transformer
	residual []byte
	dst      []byte
}

func NewDecoder() *Decoder {
	t := unicode.UTF8BOM.NewDecoder()
	t.Reset()
	return &Decoder{
		t:   t,
		dst: make([]byte, decodeBufferSize),
	}
}

// Decode returns the text for chunk, keeping an incomplete trailing
// character for the next call.
func (d *Decoder) Decode(chunk []byte) (string, error) {
	return d.decode(chunk, false)
}

// Flush decodes whatever residual bytes are left at the end of the stream.
func (d *Decoder) Flush() (string, error) {
	return d.decode(nil, true)
}

func (d *Decoder) decode(chunk []byte, atEOF bool) (string, error) {
	src := chunk
	if len(d.residual) > 0 {
		src = append(d.residual, chunk...)
		d.residual = nil
	}

	var out []byte
	for {
		nDst, nSrc, err := d.t.Transform(d.dst, src, atEOF)
		out = append(out, d.dst[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			return string(out), nil
		case errors.Is(err, transform.ErrShortSrc):
			d.residual = append([]byte(nil), src...)
			return string(out), nil
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				d.dst = make([]byte, 2*len(d.dst))
			}
		default:
			return string(out), err
		}
	}
}
