package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/datawerks/linehaul/internal/domain"
)

const readChunkSize = 256 * 1024

// emitFunc receives ownership of a fragment. It is expected to block on
// worker acquisition, which is the pipeline's only backpressure.
type emitFunc func(ctx context.Context, frag domain.Fragment) error

// Fragmenter cuts a byte stream into line-aligned fragments bounded by
// maxBytes. A single line longer than maxBytes is never split: the buffer
// grows until that line's newline arrives.
type Fragmenter struct {
	maxBytes int
	emit     emitFunc

	buf      bytes.Buffer
	seq      int64
	nextLine int64
}

func NewFragmenter(maxBytes int, emit emitFunc) *Fragmenter {
	return &Fragmenter{
		maxBytes: maxBytes,
		emit:     emit,
		nextLine: 1,
	}
}

// Run consumes the stream until EOF, emitting fragments as the rolling
// buffer crosses the byte threshold and flushing the tail at the end.
func (f *Fragmenter) Run(ctx context.Context, r io.Reader) error {
	chunk := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(chunk)
		if n > 0 {
			f.buf.Write(chunk[:n])
			if derr := f.drain(ctx); derr != nil {
				return derr
			}
		}

		if err == io.EOF {
			return f.flush(ctx)
		}
		if err != nil {
			return fmt.Errorf("stream read: %w", err)
		}
	}
}

// drain emits fragments while the buffer holds at least maxBytes. The cut is
// the last newline inside the first maxBytes; when one line alone exceeds the
// threshold, the cut moves to that line's end instead of splitting it.
func (f *Fragmenter) drain(ctx context.Context) error {
	for f.buf.Len() >= f.maxBytes {
		window := f.buf.Bytes()

		cut := bytes.LastIndexByte(window[:f.maxBytes], '\n')
		if cut < 0 {
			rest := bytes.IndexByte(window[f.maxBytes:], '\n')
			if rest < 0 {
				// The oversized line has not finished arriving yet.
				return nil
			}
			cut = f.maxBytes + rest
		}

		slab := make([]byte, cut)
		copy(slab, f.buf.Bytes()[:cut])
		f.buf.Next(cut + 1)

		if err := f.emitSlab(ctx, slab); err != nil {
			return err
		}
	}
	return nil
}

// flush emits whatever remains after EOF, including a final line with no
// trailing newline. A whitespace-only tail is dropped.
func (f *Fragmenter) flush(ctx context.Context) error {
	tail := f.buf.Bytes()
	if len(bytes.TrimSpace(tail)) == 0 {
		f.buf.Reset()
		return nil
	}

	trimmed := bytes.TrimRight(tail, "\r\n")
	slab := make([]byte, len(trimmed))
	copy(slab, trimmed)
	f.buf.Reset()

	return f.emitSlab(ctx, slab)
}

func (f *Fragmenter) emitSlab(ctx context.Context, slab []byte) error {
	lineCount := int64(bytes.Count(slab, []byte{'\n'})) + 1

	f.seq++
	frag := domain.Fragment{
		Seq:       f.seq,
		Data:      slab,
		StartLine: f.nextLine,
		LineCount: lineCount,
	}
	f.nextLine += lineCount

	// After this call the slab belongs to the worker; f must not touch it.
	return f.emit(ctx, frag)
}

// Fragments returns how many fragments have been emitted so far.
func (f *Fragmenter) Fragments() int64 {
	return f.seq
}
