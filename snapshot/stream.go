// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot // import "go.opentelemetry.io/remote-unwinder/snapshot"

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Reader reads a recorded stream of wire records, optionally zstd compressed.
type Reader struct {
	r   io.Reader
	dec *zstd.Decoder
	buf []byte
}

// NewReader creates a Reader. Compression is detected from the first bytes of r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	rd := &Reader{r: br, buf: make([]byte, RecordSize)}

	magic, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if bytes.Equal(magic, zstdMagic) {
		if rd.dec, err = zstd.NewReader(br); err != nil {
			return nil, fmt.Errorf("failed to create decoder: %w", err)
		}
		rd.r = rd.dec
	}
	return rd, nil
}

// Compressed reports whether the stream is zstd compressed.
func (rd *Reader) Compressed() bool {
	return rd.dec != nil
}

// Next returns the next record. It returns io.EOF at the end of the stream and
// libpf.ErrProtocol for a malformed record. A truncated last record additionally
// matches io.ErrUnexpectedEOF.
func (rd *Reader) Next() (*Snapshot, error) {
	n, err := io.ReadFull(rd.r, rd.buf)
	switch {
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("truncated record of %d bytes: %w: %w", n, libpf.ErrProtocol,
			io.ErrUnexpectedEOF)
	case err != nil:
		return nil, err
	}
	return Decode(rd.buf)
}

// Close releases the decoder resources.
func (rd *Reader) Close() {
	if rd.dec != nil {
		rd.dec.Close()
	}
}

// Writer records snapshots as a stream of wire records.
type Writer struct {
	w   io.Writer
	enc *zstd.Encoder
	buf []byte
}

// NewWriter creates a Writer that compresses the stream with zstd if compress is set.
func NewWriter(w io.Writer, compress bool) (*Writer, error) {
	wr := &Writer{w: w, buf: make([]byte, 0, RecordSize)}
	if compress {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create encoder: %w", err)
		}
		wr.enc = enc
		wr.w = enc
	}
	return wr, nil
}

// Write appends one record to the stream.
func (wr *Writer) Write(s *Snapshot) error {
	b, err := s.AppendBinary(wr.buf[:0])
	if err != nil {
		return err
	}
	_, err = wr.w.Write(b)
	return err
}

// Close flushes the stream. It does not close the underlying writer.
func (wr *Writer) Close() error {
	if wr.enc != nil {
		return wr.enc.Close()
	}
	return nil
}
