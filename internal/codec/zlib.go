// internal/codec/zlib.go
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Level is fixed to maximum compression.
const Level = zlib.BestCompression

// EncodingError reports a failed compression. Callers skip the delivery.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return fmt.Sprintf("codec: compress: %v", e.Err) }
func (e *EncodingError) Unwrap() error { return e.Err }

// ErrEmptyOutput is wrapped into an EncodingError when the encoder
// produced nothing for a non-empty payload.
var ErrEmptyOutput = errors.New("encoder produced no output")

// Compress returns the zlib stream of payload at maximum compression.
// An empty payload yields an empty result and no error.
func Compress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return []byte{}, nil
	}

	var buf bytes.Buffer
	buf.Grow(len(payload)/2 + 64)

	w, err := zlib.NewWriterLevel(&buf, Level)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return nil, &EncodingError{Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &EncodingError{Err: err}
	}
	if buf.Len() == 0 {
		return nil, &EncodingError{Err: ErrEmptyOutput}
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. Subscribers do this on their side;
// it lives here for tests and tooling.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}
	return out, nil
}
