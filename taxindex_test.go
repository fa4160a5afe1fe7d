package taxindex

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/i5heu/taxindex/pkg/classify"
	"github.com/i5heu/taxindex/pkg/index"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vibrio     = "UCCUACGGGAGGCAGCAGUGGGGAAUAUUGCACAAUGGGCGCAAGCCUGAUGCAGCCAUGCCGCGUGUAUGA"
	vibrioPath = "K#Bacteria;P#Proteobacteria;C#Gammaproteobacteria;O#Vibrionales;F#Vibrionaceae;G#Vibrio;S#Vibrio"
	bacillus   = "ACGGGAGGCAGCAGUAGGGAAUCUUCCGCAAUGGACGAAAGUCUGACGGAGCAACGCCGCGUGAGUGAUGAAGG"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// saveIndex writes a small reference index with default parameters.
func saveIndex(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	b, err := index.NewBuilder(index.Config{OutputDir: dir, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, b.AddRecord("1 "+vibrioPath, vibrio))
	require.NoError(t, b.AddRecord("2 K#Bacteria;P#Firmicutes;C#Bacilli;O#Bacillales", bacillus))
	require.NoError(t, b.Save())
	return dir
}

func TestOpen_InMemory(t *testing.T) {
	dir := saveIndex(t)
	ti, err := Open(Config{IndexDir: dir, Logger: quietLogger()})
	require.NoError(t, err)
	defer ti.Close()

	assert.Equal(t, kmer.DefaultParams(), ti.Params())
	a, err := ti.Classify(vibrio)
	require.NoError(t, err)
	assert.Equal(t, vibrioPath, a.String())

	deepest, ok := a.Deepest()
	require.True(t, ok)
	assert.Equal(t, vibrioPath, ti.Name(deepest.Node))
	assert.Equal(t, "", ti.Name(taxonomy.NodeID(1000)))
}

func TestOpen_Errors(t *testing.T) {
	dir := saveIndex(t)

	_, err := Open(Config{IndexDir: t.TempDir(), Logger: quietLogger()})
	assert.Error(t, err)

	_, err = Open(Config{IndexDir: dir, Expect: kmer.Params{KmerSize: 6, StepSize: 1}, Logger: quietLogger()})
	assert.ErrorIs(t, err, index.ErrParameterMismatch)

	_, err = Open(Config{IndexDir: dir, Threshold: 2, Logger: quietLogger()})
	assert.ErrorIs(t, err, classify.ErrInvalidThreshold)

	_, err = Open(Config{StoreDir: filepath.Join(t.TempDir(), "store"), Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrEmptyStore)
}

func TestImportStore_ClassifiesLikeFiles(t *testing.T) {
	dir := saveIndex(t)
	storeDir := filepath.Join(t.TempDir(), "store")
	require.NoError(t, ImportStore(Config{IndexDir: dir, StoreDir: storeDir, Logger: quietLogger()}))

	files, err := Open(Config{IndexDir: dir, Logger: quietLogger()})
	require.NoError(t, err)
	defer files.Close()
	store, err := Open(Config{StoreDir: storeDir, Expect: kmer.DefaultParams(), Logger: quietLogger()})
	require.NoError(t, err)
	defer store.Close()

	queries := []classify.Query{
		{Name: "a", Seq: vibrio},
		{Name: "b", Seq: bacillus},
		{Name: "c", Seq: "ACGU"},
	}
	want, err := files.ClassifyBatch(context.Background(), queries)
	require.NoError(t, err)
	got, err := store.ClassifyBatch(context.Background(), queries)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "K#Bacteria;P#Firmicutes;C#Bacilli;O#Bacillales", got[1].Assignment.String())

	_, err = Open(Config{StoreDir: storeDir, Expect: kmer.Params{KmerSize: 5, StepSize: 1}, Logger: quietLogger()})
	assert.ErrorIs(t, err, index.ErrParameterMismatch)
}

func TestImportStore_NoStoreDir(t *testing.T) {
	assert.Error(t, ImportStore(Config{IndexDir: saveIndex(t), Logger: quietLogger()}))
}

func TestClose(t *testing.T) {
	ti, err := Open(Config{IndexDir: saveIndex(t), Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, ti.Close())
	require.NoError(t, ti.Close())

	_, err = ti.Classify(vibrio)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = ti.ClassifyBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}
