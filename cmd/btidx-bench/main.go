// Package main benchmarks the btidx B+Tree against Pebble (CockroachDB's
// LSM storage engine) and renders the results as CSV plus a latency plot.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/oda/btidx"
	"github.com/oda/btidx/internal/block"
)

const (
	keySize   = 8
	valueSize = 8
	blockSize = 4096
)

// BenchResult is one CSV row.
type BenchResult struct {
	Engine    string
	Operation string
	Ops       int
	LatencyNs int64
}

// store is the minimal surface both engines are driven through.
type store interface {
	Insert(key, value []byte) error
	Lookup(key []byte) ([]byte, error)
	Close() error
}

func main() {
	outDir := flag.String("dir", "results", "output directory")
	scales := flag.String("scales", "1000,5000,10000", "comma-separated operation counts")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatal("failed to create output dir", zap.Error(err))
	}

	var counts []int
	for _, s := range strings.Split(*scales, ",") {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			log.Fatal("bad scale", zap.String("value", s))
		}
		counts = append(counts, n)
	}

	f, err := os.Create(filepath.Join(*outDir, "results.csv"))
	if err != nil {
		log.Fatal("failed to create csv", zap.Error(err))
	}
	defer f.Close()
	w := csv.NewWriter(f)
	w.Write([]string{"Engine", "Operation", "Ops", "LatencyNs"})

	lines := map[string]plotter.XYs{}
	tmp, err := os.MkdirTemp("", "btidx-bench")
	if err != nil {
		log.Fatal("failed to create temp dir", zap.Error(err))
	}
	defer os.RemoveAll(tmp)

	for _, n := range counts {
		log.Info("running suite", zap.Int("ops", n))

		bt, err := openBTIdx(filepath.Join(tmp, fmt.Sprintf("btidx-%d.db", n)), n)
		if err != nil {
			log.Fatal("failed to open btidx", zap.Error(err))
		}
		runSuite(w, log, lines, "btidx", bt, n)
		bt.Close()

		pb, err := openPebble(filepath.Join(tmp, fmt.Sprintf("pebble-%d", n)))
		if err != nil {
			log.Fatal("failed to open pebble", zap.Error(err))
		}
		runSuite(w, log, lines, "pebble", pb, n)
		pb.Close()
	}

	w.Flush()
	if err := w.Error(); err != nil {
		log.Fatal("failed to flush csv", zap.Error(err))
	}

	if err := renderPlot(lines, filepath.Join(*outDir, "latency.png")); err != nil {
		log.Fatal("failed to render plot", zap.Error(err))
	}
	log.Info("benchmark complete", zap.String("dir", *outDir))
}

func runSuite(w *csv.Writer, log *zap.Logger, lines map[string]plotter.XYs, name string, s store, n int) {
	// Pure insert load.
	start := time.Now()
	for i := 0; i < n; i++ {
		if err := s.Insert(benchKey(i), benchValue(i)); err != nil {
			log.Fatal("insert failed", zap.String("engine", name), zap.Int("op", i), zap.Error(err))
		}
	}
	record(w, lines, BenchResult{name, "insert", n, time.Since(start).Nanoseconds() / int64(n)})

	// Point lookups over every inserted key.
	start = time.Now()
	for i := 0; i < n; i++ {
		if _, err := s.Lookup(benchKey(i)); err != nil {
			log.Fatal("lookup failed", zap.String("engine", name), zap.Int("op", i), zap.Error(err))
		}
	}
	record(w, lines, BenchResult{name, "lookup", n, time.Since(start).Nanoseconds() / int64(n)})
}

func record(w *csv.Writer, lines map[string]plotter.XYs, res BenchResult) {
	w.Write([]string{
		res.Engine,
		res.Operation,
		strconv.Itoa(res.Ops),
		strconv.FormatInt(res.LatencyNs, 10),
	})
	series := res.Engine + " " + res.Operation
	lines[series] = append(lines[series], plotter.XY{X: float64(res.Ops), Y: float64(res.LatencyNs)})
}

func renderPlot(lines map[string]plotter.XYs, path string) error {
	p := plot.New()
	p.Title.Text = "Point operation latency"
	p.X.Label.Text = "operations"
	p.Y.Label.Text = "ns/op"

	var args []interface{}
	for _, name := range []string{"btidx insert", "btidx lookup", "pebble insert", "pebble lookup"} {
		if pts, ok := lines[name]; ok {
			args = append(args, name, pts)
		}
	}
	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return err
	}
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

func benchKey(i int) []byte   { return []byte(fmt.Sprintf("k%07d", i)) }
func benchValue(i int) []byte { return []byte(fmt.Sprintf("v%07d", i)) }

// ─── btidx wrapper ────────────────────────────────────────────────────────────

type btidxStore struct {
	tree *btidx.Tree
	dev  *block.FileDevice
}

func openBTIdx(path string, n int) (*btidxStore, error) {
	// Size the device generously: leaves hold ~250 pairs at this
	// geometry, and splits leave nodes half full.
	numBlocks := uint32(n/64 + 64)
	dev, err := block.OpenFileDevice(path, blockSize, numBlocks)
	if err != nil {
		return nil, err
	}
	tree := btidx.New(keySize, valueSize, dev)
	if err := tree.Attach(0, true); err != nil {
		dev.Close()
		return nil, err
	}
	return &btidxStore{tree: tree, dev: dev}, nil
}

func (s *btidxStore) Insert(key, value []byte) error    { return s.tree.Insert(key, value) }
func (s *btidxStore) Lookup(key []byte) ([]byte, error) { return s.tree.Lookup(key) }

func (s *btidxStore) Close() error {
	if err := s.tree.Detach(); err != nil {
		return err
	}
	return s.dev.Close()
}

// ─── Pebble wrapper ───────────────────────────────────────────────────────────

type pebbleStore struct {
	db *pebble.DB
}

func openPebble(dir string) (*pebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       4,
		L0StopWritesThreshold:       12,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open: %w", err)
	}
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) Insert(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

func (s *pebbleStore) Lookup(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("pebble: get: %w", err)
	}
	// val is only valid until closer.Close(), so we copy it.
	out := make([]byte, len(val))
	copy(out, val)
	closer.Close()
	return out, nil
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}
