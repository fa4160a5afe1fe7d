package indexfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
	"google.golang.org/protobuf/encoding/protowire"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newCompressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case XZ:
		return lzma.NewWriter(w)
	case Zstd:
		return zstd.NewWriter(w)
	}
	return nil, fmt.Errorf("%w: unknown compression %d", ErrIncompatibleVersion, c)
}

func newDecompressor(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case None:
		return r, func() {}, nil
	case XZ:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return lr, func() {}, nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return dec, dec.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown compression %d", ErrIncompatibleVersion, c)
}

// Writer streams records into a temporary file next to the target path and
// renames it into place on Commit, so a failed write never leaves a partial
// index behind.
type Writer struct {
	path    string
	tmp     *os.File
	buf     *bufio.Writer
	comp    io.WriteCloser
	header  Header
	written uint64
	frame   []byte
	scratch []byte

	closed    bool
	flushed   bool
	committed bool
}

// Create opens a writer for path. An existing file is refused unless force
// is set. h.Records must be the exact number of records that will follow.
func Create(path string, h Header, force bool) (*Writer, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrOutputExists, path)
		}
	}
	if h.Version == 0 {
		h.Version = Version
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := &Writer{
		path:   path,
		tmp:    tmp,
		buf:    bufio.NewWriterSize(tmp, 1<<20),
		header: h,
	}
	if _, err := w.buf.Write(h.marshal()); err != nil {
		w.Abort()
		return nil, fmt.Errorf("write header %s: %w", path, err)
	}
	w.comp, err = newCompressor(w.buf, h.Compression)
	if err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeFrame(msg []byte) error {
	if w.closed {
		return fmt.Errorf("indexfile: write to closed writer %s", w.path)
	}
	w.frame = protowire.AppendVarint(w.frame[:0], uint64(len(msg)))
	w.frame = append(w.frame, msg...)
	if _, err := w.comp.Write(w.frame); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	w.written++
	return nil
}

func (w *Writer) WriteNode(n NodeRecord) error {
	if w.header.Kind != NodeTable {
		return fmt.Errorf("indexfile: node record written to %s", w.header.Kind)
	}
	w.scratch = appendNode(w.scratch[:0], n)
	return w.writeFrame(w.scratch)
}

func (w *Writer) WritePosting(p PostingRecord) error {
	if w.header.Kind != KmerIndex {
		return fmt.Errorf("indexfile: posting record written to %s", w.header.Kind)
	}
	var msg []byte
	msg, w.scratch = appendPosting(nil, p, w.scratch)
	return w.writeFrame(msg)
}

// Flush finishes the compressed stream, checks the record count and syncs
// the temporary file. The target path is untouched until Commit.
func (w *Writer) Flush() error {
	if w.flushed {
		return nil
	}
	if w.closed {
		return fmt.Errorf("indexfile: flush of closed writer %s", w.path)
	}
	if w.written != w.header.Records {
		w.Abort()
		return fmt.Errorf("indexfile: %s: wrote %d records, header announces %d", w.path, w.written, w.header.Records)
	}
	err := w.comp.Close()
	if err == nil {
		err = w.buf.Flush()
	}
	if err == nil {
		err = w.tmp.Sync()
	}
	if err != nil {
		w.Abort()
		return fmt.Errorf("flush %s: %w", w.path, err)
	}
	w.closed = true
	w.flushed = true
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	return nil
}

// Commit moves a flushed file into place.
func (w *Writer) Commit() error {
	if !w.flushed {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if w.committed {
		return nil
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("rename %s: %w", w.path, err)
	}
	w.committed = true
	return nil
}

// Close flushes and commits the file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.Commit()
}

// Abort discards everything written so far. Committed files are kept.
func (w *Writer) Abort() {
	if w.committed {
		return
	}
	if w.flushed {
		os.Remove(w.tmp.Name())
		return
	}
	if w.closed {
		return
	}
	w.closed = true
	if w.comp != nil {
		w.comp.Close()
	}
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

// Reader reads records back in the order they were written.
type Reader struct {
	f       *os.File
	br      *bufio.Reader
	release func()
	header  Header
	read    uint64
	rec     bytes.Buffer
}

// Open opens path and validates its header against kind.
func Open(path string, kind Kind) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	raw := bufio.NewReaderSize(f, 1<<20)
	hb := make([]byte, HeaderSize)
	if _, err := io.ReadFull(raw, hb); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: reading header: %v", ErrCorrupt, path, err)
	}
	h, err := unmarshalHeader(hb, kind)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	body, release, err := newDecompressor(raw, h.Compression)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Reader{
		f:       f,
		br:      bufio.NewReader(body),
		release: release,
		header:  h,
	}, nil
}

func (r *Reader) Header() Header {
	return r.header
}

func (r *Reader) next() ([]byte, error) {
	if r.read == r.header.Records {
		return nil, io.EOF
	}
	n, err := binary.ReadUvarint(r.br)
	if err != nil {
		return nil, fmt.Errorf("%w: record %d of %d: %v", ErrCorrupt, r.read, r.header.Records, unexpected(err))
	}
	if n > maxRecordSize {
		return nil, fmt.Errorf("%w: record %d has length %d", ErrCorrupt, r.read, n)
	}
	// rec grows with the bytes actually present, not with the claimed length
	r.rec.Reset()
	m, err := r.rec.ReadFrom(io.LimitReader(r.br, int64(n)))
	if err == nil && uint64(m) != n {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: record %d of %d: %v", ErrCorrupt, r.read, r.header.Records, unexpected(err))
	}
	r.read++
	return r.rec.Bytes(), nil
}

// ReadNode returns the next node record, or io.EOF once all records
// announced in the header have been read.
func (r *Reader) ReadNode() (NodeRecord, error) {
	if r.header.Kind != NodeTable {
		return NodeRecord{}, fmt.Errorf("indexfile: node read from %s", r.header.Kind)
	}
	b, err := r.next()
	if err != nil {
		return NodeRecord{}, err
	}
	return UnmarshalNode(b)
}

// ReadPosting returns the next posting record, or io.EOF at the end.
func (r *Reader) ReadPosting() (PostingRecord, error) {
	if r.header.Kind != KmerIndex {
		return PostingRecord{}, fmt.Errorf("indexfile: posting read from %s", r.header.Kind)
	}
	b, err := r.next()
	if err != nil {
		return PostingRecord{}, err
	}
	return UnmarshalPosting(b)
}

func (r *Reader) Close() error {
	r.release()
	return r.f.Close()
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Exists reports whether path is present on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
