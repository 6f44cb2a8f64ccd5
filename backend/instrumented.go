package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Writer passes through to the wrapped backend when it supports direct
// writers; the commit latency is recorded on Close.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	wb, ok := ib.backend.(WriterBackend)
	if !ok {
		return nil, errors.New("backend does not support direct writers")
	}
	w, err := wb.Writer(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "write", "error", 0, 0)
		return nil, err
	}
	return &instrumentedWriter{w: w, ctx: ctx, name: ib.name, start: time.Now()}, nil
}

// instrumentedWriter records a single write op covering the full stream.
type instrumentedWriter struct {
	w     io.WriteCloser
	ctx   context.Context
	name  string
	start time.Time
	n     int64
	done  bool
}

func (iw *instrumentedWriter) Write(p []byte) (int, error) {
	n, err := iw.w.Write(p)
	iw.n += int64(n)
	return n, err
}

func (iw *instrumentedWriter) Close() error {
	err := iw.w.Close()
	if !iw.done {
		iw.done = true
		telemetry.RecordBackendOp(iw.ctx, iw.name, "write", outcomeFromError(err), time.Since(iw.start), iw.n)
	}
	return err
}

// Abort discards the write when the wrapped writer supports it, recording
// the failed op either way.
func (iw *instrumentedWriter) Abort() error {
	var err error
	if a, ok := iw.w.(interface{ Abort() error }); ok {
		err = a.Abort()
	} else {
		err = iw.w.Close()
	}
	if !iw.done {
		iw.done = true
		telemetry.RecordBackendOp(iw.ctx, iw.name, "write", "error", time.Since(iw.start), iw.n)
	}
	return err
}

// countingReader counts bytes as they pass through.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Compile-time interface checks
var (
	_ Backend       = (*InstrumentedBackend)(nil)
	_ WriterBackend = (*InstrumentedBackend)(nil)
)
