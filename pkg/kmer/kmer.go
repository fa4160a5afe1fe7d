// Package kmer packs fixed-length nucleotide oligos into integers and
// extracts k-mer sets from sequences.
package kmer

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

const (
	MinSize = 1
	MaxSize = 12

	DefaultKmerSize = 8
	DefaultStepSize = 1

	// maxEncodable is the longest oligo that still fits a uint32.
	maxEncodable = 16
)

var (
	ErrAmbiguousBase    = errors.New("kmer: oligo contains a base outside A/C/G/T/U")
	ErrInvalidLength    = errors.New("kmer: oligo length out of range")
	ErrInvalidParameter = errors.New("kmer: invalid parameter")
)

// codes maps a byte to its 2-bit code, or -1 for bytes that cannot be encoded.
var codes [256]int8

func init() {
	for i := range codes {
		codes[i] = -1
	}
	for _, c := range []struct {
		b    byte
		code int8
	}{
		{'A', 0}, {'a', 0},
		{'U', 1}, {'u', 1}, {'T', 1}, {'t', 1},
		{'C', 2}, {'c', 2},
		{'G', 3}, {'g', 3},
	} {
		codes[c.b] = c.code
	}
}

// Params are the window parameters an index is built and queried with.
type Params struct {
	KmerSize int
	StepSize int
}

func DefaultParams() Params {
	return Params{KmerSize: DefaultKmerSize, StepSize: DefaultStepSize}
}

func (p Params) Validate() error {
	if p.KmerSize < MinSize || p.KmerSize > MaxSize {
		return fmt.Errorf("%w: kmer_size %d not in %d..%d", ErrInvalidParameter, p.KmerSize, MinSize, MaxSize)
	}
	if p.StepSize < MinSize || p.StepSize > MaxSize {
		return fmt.Errorf("%w: step_size %d not in %d..%d", ErrInvalidParameter, p.StepSize, MinSize, MaxSize)
	}
	return nil
}

// IsZero reports whether p carries no parameters at all.
func (p Params) IsZero() bool {
	return p.KmerSize == 0 && p.StepSize == 0
}

func (p Params) String() string {
	return fmt.Sprintf("k=%d step=%d", p.KmerSize, p.StepSize)
}

// Encode packs oligo most-significant base first, two bits per base:
// A=00, U/T=01, C=10, G=11. Oligos holding any other character return
// ErrAmbiguousBase and must be skipped by the caller.
func Encode(oligo string) (uint32, error) {
	if len(oligo) == 0 || len(oligo) > maxEncodable {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, len(oligo))
	}
	var code uint32
	for i := 0; i < len(oligo); i++ {
		c := codes[oligo[i]]
		if c < 0 {
			return 0, ErrAmbiguousBase
		}
		code = code<<2 | uint32(c)
	}
	return code, nil
}

// Decode is the inverse of Encode using the RNA alphabet.
func Decode(code uint32, size int) string {
	return decode(code, size, "AUCG")
}

// DecodeDNA is the inverse of Encode using the DNA alphabet.
func DecodeDNA(code uint32, size int) string {
	return decode(code, size, "ATCG")
}

func decode(code uint32, size int, alphabet string) string {
	if size <= 0 {
		return ""
	}
	if size > maxEncodable {
		size = maxEncodable
	}
	out := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		out[i] = alphabet[code&3]
		code >>= 2
	}
	return string(out)
}

// Windows calls fn for every encodable window of seq, in offset order.
// Windows start at 0 and advance by p.StepSize while a full window fits.
func Windows(seq string, p Params, fn func(offset int, code uint32)) {
	k := p.KmerSize
	if k <= 0 || p.StepSize <= 0 || len(seq) < k {
		return
	}
	for i := 0; i <= len(seq)-k; i += p.StepSize {
		code, err := Encode(seq[i : i+k])
		if err != nil {
			continue
		}
		fn(i, code)
	}
}

// Extract returns the set of k-mers found in seq. The set is empty for
// sequences shorter than the k-mer size or made only of ambiguous windows.
func Extract(seq string, p Params) *roaring.Bitmap {
	set := roaring.New()
	Windows(seq, p, func(_ int, code uint32) {
		set.Add(code)
	})
	return set
}

// Universe is the number of distinct k-mers of size k.
func Universe(k int) uint64 {
	return uint64(1) << (2 * uint(k))
}
