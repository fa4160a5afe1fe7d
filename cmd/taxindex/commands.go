package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/i5heu/taxindex"
	"github.com/i5heu/taxindex/pkg/classify"
	"github.com/i5heu/taxindex/pkg/index"
	"github.com/i5heu/taxindex/pkg/kmer"
	"github.com/i5heu/taxindex/pkg/taxonomy"
	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const batchSize = 1000

// readFasta calls fn with batches of at most batchSize records.
func readFasta(file string, fn func([]index.Record) error) error {
	reader, err := fastx.NewReader(seq.Unlimit, file, "")
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer reader.Close()

	batch := make([]index.Record, 0, batchSize)
	for {
		record, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read %s: %w", file, err)
		}
		batch = append(batch, index.Record{Name: string(record.Name), Seq: string(record.Seq.Seq)})
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]index.Record, 0, batchSize)
		}
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func buildCommand() *cobra.Command {
	var flags struct {
		outputDir, prefix, compression string
		kmerSize, stepSize, workers    int
		force                          bool
		minFreeMB                      uint64
	}
	cmd := &cobra.Command{
		Use:   "build <reference.fasta>...",
		Short: "Build an index from FASTA records named \"<id> <taxonomy path>\"",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := &conf.Build
			f := cmd.Flags()
			if f.Changed("output-dir") {
				b.OutputDir = flags.outputDir
			}
			if f.Changed("prefix") {
				b.Prefix = flags.prefix
			}
			if f.Changed("compression") {
				b.Compression = flags.compression
			}
			if f.Changed("kmer-size") {
				b.KmerSize = flags.kmerSize
			}
			if f.Changed("step-size") {
				b.StepSize = flags.stepSize
			}
			if f.Changed("workers") {
				b.Workers = flags.workers
			}
			if f.Changed("force") {
				b.Force = flags.force
			}
			if f.Changed("min-free-mb") {
				b.MinimumFreeMB = flags.minFreeMB
			}
			return runBuild(args)
		},
	}
	cmd.Flags().StringVarP(&flags.outputDir, "output-dir", "o", ".", "directory receiving the index files")
	cmd.Flags().StringVarP(&flags.prefix, "prefix", "p", index.DefaultPrefix, "index file name prefix")
	cmd.Flags().StringVar(&flags.compression, "compression", "zstd", "index compression: zstd, xz or none")
	cmd.Flags().IntVarP(&flags.kmerSize, "kmer-size", "k", kmer.DefaultKmerSize, "k-mer size")
	cmd.Flags().IntVarP(&flags.stepSize, "step-size", "s", kmer.DefaultStepSize, "window step size")
	cmd.Flags().IntVarP(&flags.workers, "workers", "j", 0, "parallel k-mer extraction, 0 uses all CPUs")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "overwrite existing index files")
	cmd.Flags().Uint64Var(&flags.minFreeMB, "min-free-mb", 0, "refuse to save with less free disk space")
	return cmd
}

func runBuild(files []string) error {
	c := conf.Build
	builder, err := index.NewBuilder(index.Config{
		OutputDir:     c.OutputDir,
		Prefix:        c.Prefix,
		KmerSize:      c.KmerSize,
		StepSize:      c.StepSize,
		Force:         c.Force,
		Compression:   c.Compression,
		MinimumFreeMB: c.MinimumFreeMB,
		Workers:       c.Workers,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	for _, file := range files {
		err := readFasta(file, func(records []index.Record) error {
			rejected, err := builder.AddBatch(records)
			for _, r := range rejected {
				log.WithFields(logrus.Fields{"file": file, "record": r.Name}).WithError(r.Err).Warn("record skipped")
			}
			return err
		})
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"file": file, "records": builder.Added()}).Info("reference file indexed")
	}
	return builder.Save()
}

func classifyCommand() *cobra.Command {
	var (
		output    string
		indexDir  string
		prefix    string
		storeDir  string
		threshold float64
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "classify <query.fasta>...",
		Short: "Assign query sequences to taxa, writing TSV",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &conf.Classify
			f := cmd.Flags()
			if f.Changed("index-dir") {
				c.IndexDir = indexDir
			}
			if f.Changed("prefix") {
				c.Prefix = prefix
			}
			if f.Changed("store-dir") {
				c.StoreDir = storeDir
			}
			if f.Changed("threshold") {
				c.Threshold = threshold
			}
			if f.Changed("workers") {
				c.Workers = workers
			}
			return runClassify(cmd.Context(), args, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "TSV output file, - for stdout")
	cmd.Flags().StringVarP(&indexDir, "index-dir", "i", ".", "directory holding the index files")
	cmd.Flags().StringVarP(&prefix, "prefix", "p", index.DefaultPrefix, "index file name prefix")
	cmd.Flags().StringVar(&storeDir, "store-dir", "", "badger store to classify against instead of index files")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", classify.DefaultThreshold, "minimum support per rank, in (0, 1]")
	cmd.Flags().IntVarP(&workers, "workers", "j", 0, "parallel classification, 0 uses all CPUs")
	return cmd
}

func runClassify(ctx context.Context, files []string, output string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	c := conf.Classify
	ti, err := taxindex.Open(taxindex.Config{
		IndexDir:  c.IndexDir,
		Prefix:    c.Prefix,
		StoreDir:  c.StoreDir,
		Threshold: c.Threshold,
		Workers:   c.Workers,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer ti.Close()

	out := os.Stdout
	if output != "-" {
		out, err = os.Create(output)
		if err != nil {
			return err
		}
		defer out.Close()
	}
	w := bufio.NewWriter(out)
	defer w.Flush()

	fmt.Fprintln(w, "name\tassignment\tdeepest_rank\tsupport")
	for _, file := range files {
		err := readFasta(file, func(records []index.Record) error {
			queries := make([]classify.Query, len(records))
			for i, r := range records {
				name, _, _ := strings.Cut(r.Name, " ")
				queries[i] = classify.Query{Name: name, Seq: r.Seq}
			}
			results, err := ti.ClassifyBatch(ctx, queries)
			for _, res := range results {
				if res.Err != nil {
					if !errors.Is(res.Err, ctx.Err()) {
						log.WithField("query", res.Name).WithError(res.Err).Warn("query failed")
					}
					continue
				}
				writeResult(w, res)
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeResult(w io.Writer, res classify.Result) {
	rank := "unclassified"
	if deepest, ok := res.Assignment.Deepest(); ok {
		rank = deepest.Rank.String()
	}
	support := make([]string, len(res.Assignment))
	for i, l := range res.Assignment {
		support[i] = fmt.Sprintf("%.3f", l.Support)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", res.Name, res.Assignment, rank, strings.Join(support, ";"))
}

func infoCommand() *cobra.Command {
	var (
		indexDir string
		prefix   string
	)
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print index parameters and node counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("index-dir") {
				indexDir = conf.Classify.IndexDir
			}
			if !cmd.Flags().Changed("prefix") {
				prefix = conf.Classify.Prefix
			}
			ix, err := index.Load(index.LoadConfig{Dir: indexDir, Prefix: prefix, Logger: log})
			if err != nil {
				return err
			}
			writeInfo(cmd.OutOrStdout(), ix.Stats())
			return nil
		},
	}
	cmd.Flags().StringVarP(&indexDir, "index-dir", "i", ".", "directory holding the index files")
	cmd.Flags().StringVarP(&prefix, "prefix", "p", index.DefaultPrefix, "index file name prefix")
	return cmd
}

func writeInfo(w io.Writer, s index.Stats) {
	fmt.Fprintf(w, "kmer_size\t%d\nstep_size\t%d\nnodes\t%d\npostings\t%d\n", s.Params.KmerSize, s.Params.StepSize, s.Nodes, s.Postings)
	for r := taxonomy.Kingdom; r.Valid(); r++ {
		fmt.Fprintf(w, "%s\t%d nodes\t%d kmers\n", r, s.NodesByRank[r], s.Kmers[r])
	}
}

func importStoreCommand() *cobra.Command {
	var (
		indexDir  string
		prefix    string
		minFreeMB uint64
	)
	cmd := &cobra.Command{
		Use:   "import-store <store-dir>",
		Short: "Copy index files into a badger store for disk-backed lookups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("index-dir") {
				indexDir = conf.Classify.IndexDir
			}
			if !cmd.Flags().Changed("prefix") {
				prefix = conf.Classify.Prefix
			}
			return taxindex.ImportStore(taxindex.Config{
				IndexDir:      indexDir,
				Prefix:        prefix,
				StoreDir:      args[0],
				MinimumFreeMB: minFreeMB,
				Logger:        log,
			})
		},
	}
	cmd.Flags().StringVarP(&indexDir, "index-dir", "i", ".", "directory holding the index files")
	cmd.Flags().StringVarP(&prefix, "prefix", "p", index.DefaultPrefix, "index file name prefix")
	cmd.Flags().Uint64Var(&minFreeMB, "min-free-mb", 0, "refuse to import with less free disk space")
	return cmd
}
