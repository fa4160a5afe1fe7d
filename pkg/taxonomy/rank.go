package taxonomy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformedPath = errors.New("taxonomy: malformed taxonomy path")

// Rank is a taxonomic level. Ranks are ordered from Kingdom to Species.
type Rank uint8

const (
	Kingdom Rank = iota
	Phylum
	Class
	Order
	Family
	Genus
	Species
)

// NumRanks is the number of supported ranks.
const NumRanks = int(Species) + 1

var rankTags = [NumRanks]byte{'K', 'P', 'C', 'O', 'F', 'G', 'S'}

var rankNames = [NumRanks]string{"kingdom", "phylum", "class", "order", "family", "genus", "species"}

func (r Rank) Valid() bool {
	return int(r) < NumRanks
}

func (r Rank) String() string {
	if !r.Valid() {
		return fmt.Sprintf("rank(%d)", uint8(r))
	}
	return rankNames[r]
}

// Tag is the single-letter prefix used in taxonomy paths.
func (r Rank) Tag() byte {
	if !r.Valid() {
		return '?'
	}
	return rankTags[r]
}

// Next returns the rank below r and false if r is Species.
func (r Rank) Next() (Rank, bool) {
	if r >= Species {
		return r, false
	}
	return r + 1, true
}

// RankFromTag maps a path tag (case-insensitive) to its rank.
func RankFromTag(tag byte) (Rank, bool) {
	if tag >= 'a' && tag <= 'z' {
		tag -= 'a' - 'A'
	}
	for i, t := range rankTags {
		if t == tag {
			return Rank(i), true
		}
	}
	return 0, false
}

// Taxon is one (rank, name) step of a taxonomy path.
type Taxon struct {
	Rank Rank
	Name string
}

func (t Taxon) String() string {
	return string(t.Rank.Tag()) + "#" + t.Name
}

// Path is an ordered list of taxa starting at Kingdom.
type Path []Taxon

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, t := range p {
		parts[i] = t.String()
	}
	return strings.Join(parts, ";")
}

// Validate checks that p starts at Kingdom and that every following rank is
// the next one, with no gaps or repeats.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty path", ErrMalformedPath)
	}
	if p[0].Rank != Kingdom {
		return fmt.Errorf("%w: path starts at %s, not kingdom", ErrMalformedPath, p[0].Rank)
	}
	for i := 1; i < len(p); i++ {
		want, ok := p[i-1].Rank.Next()
		if !ok || p[i].Rank != want {
			return fmt.Errorf("%w: %s follows %s", ErrMalformedPath, p[i].Rank, p[i-1].Rank)
		}
	}
	for _, t := range p {
		if t.Name == "" {
			return fmt.Errorf("%w: empty %s name", ErrMalformedPath, t.Rank)
		}
	}
	return nil
}

// ParsePath parses a string like "K#Bacteria;P#Firmicutes;C#Bacilli".
//
// Tokens are trimmed. A token with an empty name ("G#") ends the path; any
// named token after it is an error. Unknown tags, a first rank other than
// Kingdom and skipped or repeated ranks wrap ErrMalformedPath.
func ParsePath(s string) (Path, error) {
	var (
		path      Path
		truncated bool
	)
	for _, tok := range strings.Split(s, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tag, name, ok := strings.Cut(tok, "#")
		if !ok || len(tag) != 1 {
			return nil, fmt.Errorf("%w: bad token %q", ErrMalformedPath, tok)
		}
		rank, ok := RankFromTag(tag[0])
		if !ok {
			return nil, fmt.Errorf("%w: unknown tag %q", ErrMalformedPath, tag)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			truncated = true
			continue
		}
		if truncated {
			return nil, fmt.Errorf("%w: %s named after an empty rank", ErrMalformedPath, rank)
		}
		path = append(path, Taxon{Rank: rank, Name: name})
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	return path, nil
}

// ParseRecordName parses a reference sequence name of the form
// "<id> <taxonomy path>". The id must be an unsigned decimal integer.
func ParseRecordName(name string) (Path, error) {
	id, tax, ok := strings.Cut(strings.TrimSpace(name), " ")
	if !ok {
		return nil, fmt.Errorf("%w: no taxonomy in %q", ErrMalformedPath, name)
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: record id %q is not an integer", ErrMalformedPath, id)
	}
	return ParsePath(tax)
}
