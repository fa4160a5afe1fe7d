package taxonomy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const vibrioPath = "K#Bacteria;P#Proteobacteria;C#Gammaproteobacteria;O#Vibrionales;F#Vibrionaceae;G#Vibrio;S#Vibrio"

func mustParse(t *testing.T, s string) Path {
	t.Helper()
	p, err := ParsePath(s)
	require.NoError(t, err)
	return p
}

func TestParsePath(t *testing.T) {
	p := mustParse(t, vibrioPath)
	require.Len(t, p, NumRanks)
	assert.Equal(t, Taxon{Rank: Kingdom, Name: "Bacteria"}, p[0])
	assert.Equal(t, Taxon{Rank: Species, Name: "Vibrio"}, p[6])
	assert.Equal(t, vibrioPath, p.String())
}

func TestParsePath_Truncated(t *testing.T) {
	p := mustParse(t, " K#Bacteria; P#Firmicutes ;C#Bacilli;O#Bacillales;F#Bacillaceae;G#;S#;")
	require.Len(t, p, 5)
	assert.Equal(t, Family, p[4].Rank)
	assert.Equal(t, "Bacillaceae", p[4].Name)
}

func TestParsePath_Malformed(t *testing.T) {
	cases := []string{
		"",
		"P#Firmicutes",
		"K#Bacteria;C#Bacilli",
		"K#Bacteria;P#Firmicutes;P#Other",
		"K#Bacteria;X#Thing",
		"K#Bacteria;Firmicutes",
		"K#Bacteria;P#;C#Bacilli",
		"K#Bacteria;P#Firmicutes;C#Bacilli;O#Bacillales;F#Bacillaceae;G#Bacillus;S#subtilis;S#again",
	}
	for _, c := range cases {
		_, err := ParsePath(c)
		if !errors.Is(err, ErrMalformedPath) {
			t.Errorf("ParsePath(%q): expected ErrMalformedPath, got %v", c, err)
		}
	}
}

func TestParseRecordName(t *testing.T) {
	p, err := ParseRecordName("32 K#Bacteria;P#Actinobacteria;C#Acidimicrobiia;O#Acidimicrobiales;F#Acidimicrobiaceae;G#Ferrimicrobium;S#Ferrimicrobium acidiphilum")
	require.NoError(t, err)
	require.Len(t, p, NumRanks)
	assert.Equal(t, "Ferrimicrobium acidiphilum", p[6].Name)

	for _, c := range []string{"32", "abc K#Bacteria", "-4 K#Bacteria", "3.5 K#Bacteria", "K#Bacteria;P#Firmicutes x"} {
		_, err = ParseRecordName(c)
		assert.ErrorIs(t, err, ErrMalformedPath, c)
	}
}

func TestRank(t *testing.T) {
	assert.Equal(t, byte('G'), Genus.Tag())
	assert.Equal(t, "genus", Genus.String())
	r, ok := RankFromTag('o')
	assert.True(t, ok)
	assert.Equal(t, Order, r)
	_, ok = Species.Next()
	assert.False(t, ok)
	next, ok := Family.Next()
	assert.True(t, ok)
	assert.Equal(t, Genus, next)
}

func TestEnsurePath_SharesPrefix(t *testing.T) {
	tree := NewTree()
	a, err := tree.EnsurePath(mustParse(t, "K#Bacteria;P#Firmicutes;C#Bacilli"))
	require.NoError(t, err)
	b, err := tree.EnsurePath(mustParse(t, "K#Bacteria;P#Firmicutes;C#Clostridia"))
	require.NoError(t, err)

	assert.Equal(t, a[:2], b[:2])
	assert.NotEqual(t, a[2], b[2])
	assert.Equal(t, 4, tree.Len())
	assert.Equal(t, []NodeID{a[0]}, tree.Roots())
	assert.ElementsMatch(t, []NodeID{a[2], b[2]}, tree.Children(a[1]))
}

func TestEnsurePath_SameNameDifferentParent(t *testing.T) {
	tree := NewTree()
	a, err := tree.EnsurePath(mustParse(t, "K#Bacteria;P#Incertae"))
	require.NoError(t, err)
	b, err := tree.EnsurePath(mustParse(t, "K#Archaea;P#Incertae"))
	require.NoError(t, err)
	assert.NotEqual(t, a[1], b[1])
	assert.Len(t, tree.Roots(), 2)
}

func TestEnsurePath_Idempotent(t *testing.T) {
	tree := NewTree()
	p := mustParse(t, vibrioPath)
	first, err := tree.EnsurePath(p)
	require.NoError(t, err)
	n := tree.Len()
	second, err := tree.EnsurePath(p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, n, tree.Len())
}

func TestEnsurePath_RejectsBadPath(t *testing.T) {
	tree := NewTree()
	_, err := tree.EnsurePath(Path{{Rank: Phylum, Name: "Firmicutes"}})
	assert.ErrorIs(t, err, ErrMalformedPath)
	assert.Equal(t, 0, tree.Len())
}

func TestLineageAndFullName(t *testing.T) {
	tree := NewTree()
	lineage, err := tree.EnsurePath(mustParse(t, vibrioPath))
	require.NoError(t, err)

	leaf := lineage[len(lineage)-1]
	got, err := tree.Lineage(leaf)
	require.NoError(t, err)
	assert.Equal(t, lineage, got)
	assert.Equal(t, vibrioPath, tree.FullName(leaf))
	assert.Equal(t, "", tree.FullName(999))

	_, err = tree.Lineage(999)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestAddKmers(t *testing.T) {
	tree := NewTree()
	lineage, err := tree.EnsurePath(mustParse(t, "K#Bacteria;P#Firmicutes"))
	require.NoError(t, err)
	tree.AddKmers(lineage, roaring.BitmapOf(1, 2, 3))
	tree.AddKmers(lineage[:1], roaring.BitmapOf(7))

	root, _ := tree.Node(lineage[0])
	leaf, _ := tree.Node(lineage[1])
	assert.Equal(t, uint64(4), root.Size())
	assert.Equal(t, uint64(3), leaf.Size())
}

func TestRestore(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.Restore(0, Kingdom, "Bacteria", NoParent, 10))
	require.NoError(t, tree.Restore(1, Phylum, "Firmicutes", 0, 4))
	assert.ErrorIs(t, tree.Restore(5, Class, "Bacilli", 1, 1), ErrBadRestore)
	assert.ErrorIs(t, tree.Restore(2, Class, "Bacilli", 7, 1), ErrBadRestore)

	n, ok := tree.Node(1)
	require.True(t, ok)
	assert.Equal(t, uint64(4), n.Size())
	assert.Equal(t, []NodeID{1}, tree.Children(0))
	id, ok := tree.Lookup(Phylum, "Firmicutes", 0)
	assert.True(t, ok)
	assert.Equal(t, NodeID(1), id)
}

func TestCountByRank(t *testing.T) {
	tree := NewTree()
	_, err := tree.EnsurePath(mustParse(t, vibrioPath))
	require.NoError(t, err)
	counts := tree.CountByRank()
	for r := 0; r < NumRanks; r++ {
		assert.Equal(t, 1, counts[r])
	}
}

func genPath(t *rapid.T) Path {
	depth := rapid.IntRange(1, NumRanks).Draw(t, "depth")
	path := make(Path, depth)
	for i := range path {
		name := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, fmt.Sprintf("name%d", i))
		path[i] = Taxon{Rank: Rank(i), Name: name}
	}
	return path
}

func TestTree_Invariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tree := NewTree()
		paths := rapid.SliceOfN(rapid.Custom(genPath), 1, 30).Draw(t, "paths")
		for i, p := range paths {
			lineage, err := tree.EnsurePath(p)
			if err != nil {
				t.Fatalf("EnsurePath(%s): %v", p, err)
			}
			tree.AddKmers(lineage, roaring.BitmapOf(uint32(i), uint32(1000+len(p))))
		}

		tree.Walk(func(n *Node) bool {
			if n.IsRoot() {
				if n.Rank != Kingdom {
					t.Fatalf("root %d has rank %s", n.ID, n.Rank)
				}
				return true
			}
			p, _ := tree.Node(n.Parent)
			if want, _ := p.Rank.Next(); n.Rank != want {
				t.Fatalf("node %d rank %s under %s", n.ID, n.Rank, p.Rank)
			}
			if !roaring.AndNot(n.Kmers, p.Kmers).IsEmpty() {
				t.Fatalf("node %d kmers not a subset of parent %d", n.ID, p.ID)
			}
			return true
		})

		// every path resolves back to itself
		for _, p := range paths {
			lineage, _ := tree.EnsurePath(p)
			got, err := tree.Path(lineage[len(lineage)-1])
			if err != nil || got.String() != p.String() {
				t.Fatalf("Path round trip: got %v (%v), want %s", got, err, p)
			}
		}
	})
}
