// Package spill stores rows in a private temp file that can be replayed
// from the start any number of times.
//
// Each row is written as one frame:
//
//	[uvarint payload length][payload][xxh3-64 of payload, little endian]
//
// The payload is the row.EncodeRow encoding, snappy-compressed when the file
// was created with Compress. A frame whose checksum does not match is
// reported as ErrCorrupt.
package spill

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/golang/snappy"
	"github.com/zeebo/xxh3"

	"rowflow/internal/row"
)

// ErrCorrupt is returned when a frame fails its checksum or is truncated.
var ErrCorrupt = errors.New("spill: corrupt frame")

// ErrWriteAfterRewind is returned by Write once the file has been rewound.
var ErrWriteAfterRewind = errors.New("spill: write after rewind")

const ioBufSize = 64 << 10 // 64 KiB

// Options controls where and how the file is created.
type Options struct {
	Dir      string // os.TempDir() when empty
	Prefix   string
	Compress bool
}

// File is a write-once, read-many row file. It is not safe for concurrent use.
type File struct {
	path     string
	f        *os.File
	w        *bufio.Writer
	r        *bufio.Reader
	compress bool
	reading  bool
	closed   bool

	rows  int64
	bytes int64

	frame []byte
}

// bufPool holds encode buffers shared by every file.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 512)
		return &b
	},
}

// Create makes a new empty spill file.
func Create(opts Options) (*File, error) {
	f, err := os.CreateTemp(opts.Dir, opts.Prefix+"*.spill")
	if err != nil {
		return nil, fmt.Errorf("spill: create: %w", err)
	}
	return &File{
		path:     f.Name(),
		f:        f,
		w:        bufio.NewWriterSize(f, ioBufSize),
		compress: opts.Compress,
	}, nil
}

func (s *File) Path() string { return s.path }

// Rows returns the number of rows written.
func (s *File) Rows() int64 { return s.rows }

// Bytes returns the number of bytes written, frame overhead included.
func (s *File) Bytes() int64 { return s.bytes }

// Write appends one row.
func (s *File) Write(r row.Row) error {
	if s.closed {
		return os.ErrClosed
	}
	if s.reading {
		return ErrWriteAfterRewind
	}

	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)

	enc, err := row.EncodeRow((*bp)[:0], r)
	if err != nil {
		return fmt.Errorf("spill: encode: %w", err)
	}
	*bp = enc
	payload := enc
	if s.compress {
		payload = snappy.Encode(nil, enc)
	}

	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(payload)))
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxh3.Hash(payload))

	if _, err := s.w.Write(hdr[:n]); err != nil {
		return fmt.Errorf("spill: write: %w", err)
	}
	if _, err := s.w.Write(payload); err != nil {
		return fmt.Errorf("spill: write: %w", err)
	}
	if _, err := s.w.Write(sum[:]); err != nil {
		return fmt.Errorf("spill: write: %w", err)
	}
	s.rows++
	s.bytes += int64(n + len(payload) + len(sum))
	return nil
}

// Rewind positions the file at its first row. The first call ends the write
// phase.
func (s *File) Rewind() error {
	if s.closed {
		return os.ErrClosed
	}
	if !s.reading {
		if err := s.w.Flush(); err != nil {
			return fmt.Errorf("spill: flush: %w", err)
		}
		s.w = nil
		s.reading = true
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("spill: rewind: %w", err)
	}
	if s.r == nil {
		s.r = bufio.NewReaderSize(s.f, ioBufSize)
	} else {
		s.r.Reset(s.f)
	}
	return nil
}

// Next returns the next row, or io.EOF after the last one. Rewind must have
// been called.
func (s *File) Next() (row.Row, error) {
	if s.closed {
		return nil, os.ErrClosed
	}
	if !s.reading {
		return nil, errors.New("spill: read before rewind")
	}
	n, err := binary.ReadUvarint(s.r)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: length: %v", ErrCorrupt, err)
	}
	if n > uint64(s.bytes) {
		return nil, fmt.Errorf("%w: length %d exceeds file size", ErrCorrupt, n)
	}
	if cap(s.frame) < int(n)+8 {
		s.frame = make([]byte, int(n)+8)
	}
	buf := s.frame[:int(n)+8]
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	payload, sum := buf[:n], binary.LittleEndian.Uint64(buf[n:])
	if xxh3.Hash(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if s.compress {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	r, err := row.DecodeRow(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return r, nil
}

// Close releases the file handle but keeps the file on disk.
func (s *File) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.w != nil {
		_ = s.w.Flush()
	}
	return s.f.Close()
}

// Remove closes and deletes the file. It is safe to call more than once.
func (s *File) Remove() error {
	cerr := s.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return cerr
}
