package keyValStore

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/i5heu/taxindex/internal/indexfile"
	"github.com/i5heu/taxindex/pkg/classify"
	"github.com/i5heu/taxindex/pkg/index"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

var references = []index.Record{
	{Name: "1 K#Bacteria;P#Proteobacteria;C#Gammaproteobacteria;O#Vibrionales;F#Vibrionaceae;G#Vibrio;S#Vibrio",
		Seq: "UCCUACGGGAGGCAGCAGUGGGGAAUAUUGCACAAUGGGCGCAAGCCUGAUGCAGCCAUGCCGCGUGUAUGA"},
	{Name: "2 K#Bacteria;P#Firmicutes;C#Bacilli;O#Bacillales;F#Bacillaceae",
		Seq: "ACGGGAGGCAGCAGUAGGGAAUCUUCCGCAAUGGACGAAAGUCUGACGGAGCAACGCCGCGUGAGUGAUGAAGG"},
	{Name: "3 K#Archaea;P#Euryarchaeota;C#Methanobacteria",
		Seq: "GAUCCUGGCUCAGGAUGAACGCUGGCGGCGUGCCUAAUACAUGCAAGUCGAACGGG"},
}

func buildIndex(t *testing.T) *index.Index {
	t.Helper()
	b, err := index.NewBuilder(index.Config{OutputDir: t.TempDir(), KmerSize: 6, StepSize: 1, Logger: quietLogger()})
	require.NoError(t, err)
	rejected, err := b.AddBatch(references)
	require.NoError(t, err)
	require.Empty(t, rejected)
	return b.Snapshot()
}

func openStore(t *testing.T, dir string) *KeyValStore {
	t.Helper()
	kv, err := Open(StoreConfig{Paths: []string{dir}, Logger: quietLogger()})
	require.NoError(t, err)
	return kv
}

func TestOpen_Empty(t *testing.T) {
	kv := openStore(t, filepath.Join(t.TempDir(), "store"))
	defer kv.Close()

	assert.Nil(t, kv.Tree())
	assert.True(t, kv.Params().IsZero())
}

func TestOpen_NoPath(t *testing.T) {
	_, err := Open(StoreConfig{Logger: quietLogger()})
	assert.Error(t, err)
}

func TestImport_PostingsMatchIndex(t *testing.T) {
	ix := buildIndex(t)
	kv := openStore(t, t.TempDir())
	defer kv.Close()
	require.NoError(t, kv.Import(ix))

	assert.Equal(t, ix.Params(), kv.Params())
	assert.Equal(t, ix.Tree().String(), kv.Tree().String())
	_, writes := kv.Counters()
	assert.Greater(t, writes, uint64(ix.NumPostings()))

	err := ix.EachPosting(func(p indexfile.PostingRecord) error {
		got, err := kv.Postings(p.Rank, p.Kmer)
		require.NoError(t, err)
		assert.Equal(t, p.Nodes, got)
		return nil
	})
	require.NoError(t, err)

	missing, err := kv.Postings(taxonomy.Species, 0)
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = kv.Postings(taxonomy.Rank(99), 0)
	assert.Error(t, err)
}

func TestReopen_ClassifiesLikeIndex(t *testing.T) {
	dir := t.TempDir()
	ix := buildIndex(t)

	kv := openStore(t, dir)
	require.NoError(t, kv.Import(ix))
	require.NoError(t, kv.Close())

	kv = openStore(t, dir)
	defer kv.Close()
	assert.Equal(t, kmer.Params{KmerSize: 6, StepSize: 1}, kv.Params())

	for id := 0; id < ix.Tree().Len(); id++ {
		want, _ := ix.Tree().Node(taxonomy.NodeID(id))
		got, ok := kv.Tree().Node(taxonomy.NodeID(id))
		require.True(t, ok)
		assert.Equal(t, want.Size(), got.Size())
		assert.Equal(t, want.Parent, got.Parent)
	}

	fromIndex, err := classify.New(ix, classify.Config{Logger: quietLogger()})
	require.NoError(t, err)
	fromStore, err := classify.New(kv, classify.Config{Logger: quietLogger()})
	require.NoError(t, err)
	for _, r := range references {
		want, err := fromIndex.Classify(r.Seq)
		require.NoError(t, err)
		got, err := fromStore.Classify(r.Seq)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.NotEmpty(t, got)
	}
}

func TestImport_Replaces(t *testing.T) {
	kv := openStore(t, t.TempDir())
	defer kv.Close()
	require.NoError(t, kv.Import(buildIndex(t)))

	b, err := index.NewBuilder(index.Config{OutputDir: t.TempDir(), KmerSize: 4, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, b.Add("K#Bacteria", "AAAACCCC"))
	require.NoError(t, kv.Import(b.Snapshot()))

	assert.Equal(t, 1, kv.Tree().Len())
	assert.Equal(t, 4, kv.Params().KmerSize)
	items, err := kv.GetItemsWithPrefix(prefixPosting)
	require.NoError(t, err)
	assert.Len(t, items, 5)
}
