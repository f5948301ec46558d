// Package pickle serializes object graphs of runtime values into a stream of
// opcodes that is replayed on load. Values with identity are memoized, so
// shared references and cycles survive a round trip.
//
// Types the package does not know are handled through a Dispatch table the
// caller passes in; reconstructors named in a stream are registered globally
// with Register so that a stream written in one process loads in another.
package pickle

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/ddn0/cloudpickle-generators/runtime"
)

type options struct {
	dispatch    *Dispatch
	compression CompressionType
	logger      *slog.Logger
}

type Option func(*options)

func WithDispatch(d *Dispatch) Option {
	return func(o *options) { o.dispatch = d }
}

func WithCompression(c CompressionType) Option {
	return func(o *options) { o.compression = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{compression: DefaultCompression}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Dumps returns the stream for v.
func Dumps(v runtime.Value, opts ...Option) ([]byte, error) {
	o := buildOptions(opts)
	var buf bytes.Buffer
	if err := NewPickler(&buf, o.dispatch, o.logger).Dump(v); err != nil {
		return nil, err
	}
	data, err := CompressData(buf.Bytes(), o.compression)
	if err != nil {
		return nil, fmt.Errorf("compress stream: %w", err)
	}
	return data, nil
}

// Loads replays data against m. Compressed streams are detected
// automatically; only WithLogger has an effect here.
func Loads(data []byte, m *runtime.Machine, opts ...Option) (runtime.Value, error) {
	o := buildOptions(opts)
	raw, err := DecompressData(data)
	if err != nil {
		return nil, &UnpicklingError{Message: "decompress stream", Err: err}
	}
	return NewUnpickler(raw, m, o.logger).Load()
}
