// Package indexfile reads and writes the two files that make up a persisted
// taxonomy index: the node table and the inverted (rank, k-mer) index.
//
// Every file starts with a fixed little-endian header followed by a
// possibly compressed stream of length-delimited protobuf wire records.
package indexfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/i5heu/taxindex/pkg/kmer"
)

// Version is the current file format version.
const Version uint16 = 1

// HeaderSize is the size of the uncompressed file header in bytes.
const HeaderSize = 28

// maxRecordSize bounds a single record; larger lengths mean a corrupt file.
const maxRecordSize = 64 << 20

var (
	ErrIncompatibleVersion = errors.New("indexfile: incompatible index format")
	ErrParameterMismatch   = errors.New("indexfile: index parameter mismatch")
	ErrOutputExists        = errors.New("indexfile: output file exists")
	ErrCorrupt             = errors.New("indexfile: corrupt index file")
	ErrBuildMismatch       = errors.New("indexfile: node table and kmer index come from different builds")
)

// Kind is the magic number identifying a file type.
type Kind [4]byte

var (
	NodeTable = Kind{'T', 'X', 'N', 'D'}
	KmerIndex = Kind{'T', 'X', 'K', 'M'}
)

func (k Kind) String() string {
	switch k {
	case NodeTable:
		return "node table"
	case KmerIndex:
		return "kmer index"
	}
	return fmt.Sprintf("unknown(%q)", k[:])
}

// Compression selects the codec applied to the record stream.
type Compression uint8

const (
	None Compression = iota
	XZ
	Zstd
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case XZ:
		return "xz"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

func (c Compression) valid() bool {
	return c <= Zstd
}

// ParseCompression maps "none", "xz" and "zstd" to a Compression. The empty
// string selects Zstd.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd":
		return Zstd, nil
	case "xz", "lzma":
		return XZ, nil
	case "none":
		return None, nil
	}
	return 0, fmt.Errorf("indexfile: unknown compression %q", s)
}

// Header is the fixed-size preamble of every index file.
type Header struct {
	Kind        Kind
	Version     uint16
	Params      kmer.Params
	Compression Compression
	Records     uint64
	// Build is shared by the two files written by one save.
	Build uint64
}

func (h Header) marshal() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:4], h.Kind[:])
	binary.LittleEndian.PutUint16(b[4:6], h.Version)
	b[6] = uint8(h.Params.KmerSize)
	b[7] = uint8(h.Params.StepSize)
	b[8] = uint8(h.Compression)
	// b[9:12] reserved
	binary.LittleEndian.PutUint64(b[12:20], h.Records)
	binary.LittleEndian.PutUint64(b[20:28], h.Build)
	return b
}

func unmarshalHeader(b []byte, want Kind) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	var h Header
	copy(h.Kind[:], b[0:4])
	if h.Kind != want {
		return Header{}, fmt.Errorf("%w: expected %s, found magic %q", ErrIncompatibleVersion, want, b[0:4])
	}
	h.Version = binary.LittleEndian.Uint16(b[4:6])
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: format version %d, supported %d", ErrIncompatibleVersion, h.Version, Version)
	}
	h.Params = kmer.Params{KmerSize: int(b[6]), StepSize: int(b[7])}
	if err := h.Params.Validate(); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrParameterMismatch, err)
	}
	h.Compression = Compression(b[8])
	if !h.Compression.valid() {
		return Header{}, fmt.Errorf("%w: unknown compression %d", ErrIncompatibleVersion, b[8])
	}
	h.Records = binary.LittleEndian.Uint64(b[12:20])
	h.Build = binary.LittleEndian.Uint64(b[20:28])
	return h, nil
}
