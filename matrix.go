// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ExpressionMatrix is a samples x genes matrix of log-scale expression
// values. Row order follows Samples, column order follows Genes. Values
// may be NaN (missing).
type ExpressionMatrix struct {
	Samples []string
	Genes   []string
	Data    *mat.Dense
}

// SampleAnnotation describes one sample. Annotations are owned by the
// caller and read-only inside the pipeline.
type SampleAnnotation struct {
	ID      string
	Domain  string // "tumor" or "cell_line"
	Tissue  string
	Subtype string
}

// GeneStatistics carries per-gene summary statistics for one domain.
type GeneStatistics struct {
	Gene   string  `json:"gene"`
	Symbol string  `json:"symbol,omitempty"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

func (m *ExpressionMatrix) rows() int { return len(m.Samples) }
func (m *ExpressionMatrix) cols() int { return len(m.Genes) }

// geneIndex returns a map from gene identifier to column index.
func (m *ExpressionMatrix) geneIndex() map[string]int {
	idx := make(map[string]int, len(m.Genes))
	for i, g := range m.Genes {
		idx[g] = i
	}
	return idx
}

// SubsetGenes returns a new matrix restricted to the given genes, in
// the given order. Fails with DataShapeError if any gene is absent.
func (m *ExpressionMatrix) SubsetGenes(genes []string) (*ExpressionMatrix, error) {
	idx := m.geneIndex()
	out := mat.NewDense(m.rows(), len(genes), nil)
	for j, g := range genes {
		src, ok := idx[g]
		if !ok {
			return nil, shapeErrorf("gene %q not present in matrix", g)
		}
		for i := 0; i < m.rows(); i++ {
			out.Set(i, j, m.Data.At(i, src))
		}
	}
	return &ExpressionMatrix{
		Samples: m.Samples,
		Genes:   append([]string(nil), genes...),
		Data:    out,
	}, nil
}

// checkAligned verifies two matrices carry an identical gene list in
// identical order. Every stage that consumes two matrices calls this
// before touching the numbers.
func checkAligned(a, b *ExpressionMatrix) error {
	if len(a.Genes) != len(b.Genes) {
		return shapeErrorf("gene count mismatch: %d vs %d", len(a.Genes), len(b.Genes))
	}
	for i, g := range a.Genes {
		if b.Genes[i] != g {
			return shapeErrorf("gene order mismatch at column %d: %q vs %q", i, g, b.Genes[i])
		}
	}
	return nil
}

// stackMatrices concatenates the rows of a and b into one matrix. The
// gene lists must already be aligned.
func stackMatrices(a, b *ExpressionMatrix) (*ExpressionMatrix, error) {
	if err := checkAligned(a, b); err != nil {
		return nil, err
	}
	out := mat.NewDense(a.rows()+b.rows(), a.cols(), nil)
	for i := 0; i < a.rows(); i++ {
		for j := 0; j < a.cols(); j++ {
			out.Set(i, j, a.Data.At(i, j))
		}
	}
	for i := 0; i < b.rows(); i++ {
		for j := 0; j < b.cols(); j++ {
			out.Set(a.rows()+i, j, b.Data.At(i, j))
		}
	}
	samples := append(append([]string(nil), a.Samples...), b.Samples...)
	return &ExpressionMatrix{Samples: samples, Genes: a.Genes, Data: out}, nil
}

// geneStatistics computes per-gene mean and standard deviation,
// skipping NaN entries.
func geneStatistics(m *ExpressionMatrix) []GeneStatistics {
	out := make([]GeneStatistics, m.cols())
	col := make([]float64, 0, m.rows())
	for j, g := range m.Genes {
		col = col[:0]
		for i := 0; i < m.rows(); i++ {
			if v := m.Data.At(i, j); !math.IsNaN(v) {
				col = append(col, v)
			}
		}
		var mean, sd float64
		switch len(col) {
		case 0:
		case 1:
			mean = col[0]
		default:
			mean, sd = stat.MeanStdDev(col, nil)
		}
		out[j] = GeneStatistics{Gene: g, Mean: mean, StdDev: sd}
	}
	return out
}

// openMaybeGzip opens path, transparently decompressing a .gz suffix.
func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &gzipReadCloser{zr: zr, f: f}, nil
}

type gzipReadCloser struct {
	zr *pgzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	g.zr.Close()
	return g.f.Close()
}

// fingerprintFile returns the blake2b-256 digest of the file contents,
// recorded in the run manifest so outputs can be matched to inputs.
func fingerprintFile(path string) (string, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	b2 := blake2b.Sum256(buf)
	return fmt.Sprintf("%x", b2), nil
}

// loadExpressionMatrix reads a samples x genes matrix. CSV input
// (".csv" or ".csv.gz") carries a header row of gene identifiers with
// the first column holding sample identifiers. NPY input (".npy")
// expects sibling files with the ".npy" suffix replaced by
// ".genes.txt" and ".samples.txt", one identifier per line.
func loadExpressionMatrix(path string) (*ExpressionMatrix, error) {
	if strings.HasSuffix(path, ".npy") {
		return loadNpyMatrix(path)
	}
	return loadCsvMatrix(path)
}

func loadCsvMatrix(path string) (*ExpressionMatrix, error) {
	rdr, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	csvr := csv.NewReader(bufio.NewReaderSize(rdr, 1<<20))
	csvr.ReuseRecord = true
	header, err := csvr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: reading header: %w", path, err)
	}
	if len(header) < 2 {
		return nil, shapeErrorf("%s: header has %d columns, need at least 2", path, len(header))
	}
	genes := make([]string, len(header)-1)
	copy(genes, header[1:])
	var samples []string
	var data []float64
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(rec) != len(genes)+1 {
			return nil, shapeErrorf("%s: row %q has %d columns, expected %d", path, rec[0], len(rec), len(genes)+1)
		}
		samples = append(samples, rec[0])
		for _, field := range rec[1:] {
			if field == "" || field == "NA" {
				data = append(data, math.NaN())
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: row %q: %w", path, rec[0], err)
			}
			data = append(data, v)
		}
	}
	if len(samples) == 0 {
		return nil, shapeErrorf("%s: no sample rows", path)
	}
	return &ExpressionMatrix{
		Samples: samples,
		Genes:   genes,
		Data:    mat.NewDense(len(samples), len(genes), data),
	}, nil
}

func loadNpyMatrix(path string) (*ExpressionMatrix, error) {
	base := strings.TrimSuffix(path, ".npy")
	genes, err := readLines(base + ".genes.txt")
	if err != nil {
		return nil, err
	}
	samples, err := readLines(base + ".samples.txt")
	if err != nil {
		return nil, err
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	npr, err := gonpy.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	data, err := npr.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(npr.Shape) != 2 || npr.Shape[0] != len(samples) || npr.Shape[1] != len(genes) {
		return nil, shapeErrorf("%s: shape %v does not match %d samples x %d genes", path, npr.Shape, len(samples), len(genes))
	}
	return &ExpressionMatrix{
		Samples: samples,
		Genes:   genes,
		Data:    mat.NewDense(len(samples), len(genes), data),
	}, nil
}

func readLines(path string) ([]string, error) {
	rdr, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	var out []string
	scanner := bufio.NewScanner(rdr)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

// writeNpyMatrix writes m.Data as a 2-D float64 .npy file plus the
// ".genes.txt" / ".samples.txt" sibling files.
func writeNpyMatrix(path string, m *ExpressionMatrix) error {
	if err := writeLines(strings.TrimSuffix(path, ".npy")+".genes.txt", m.Genes); err != nil {
		return err
	}
	if err := writeLines(strings.TrimSuffix(path, ".npy")+".samples.txt", m.Samples); err != nil {
		return err
	}
	rows, cols := m.Data.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = m.Data.At(i, j)
		}
	}
	return writeNpy(path, out, rows, cols)
}

func writeNpy(path string, data []float64, rows, cols int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	if err = npw.WriteFloat64(data); err != nil {
		return err
	}
	if err = bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func writeLines(path string, lines []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	for _, line := range lines {
		fmt.Fprintln(bufw, line)
	}
	if err = bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// loadAnnotations reads a tab-separated annotation table with a header
// line naming at least sample_id and domain columns; tissue and
// subtype are optional.
func loadAnnotations(path string) ([]SampleAnnotation, error) {
	rdr, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	tsv := csv.NewReader(bufio.NewReader(rdr))
	tsv.Comma = '\t'
	header, err := tsv.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: reading header: %w", path, err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, need := range []string{"sample_id", "domain"} {
		if _, ok := col[need]; !ok {
			return nil, configErrorf("%s: missing required column %q", path, need)
		}
	}
	field := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}
	var out []SampleAnnotation
	for {
		rec, err := tsv.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, SampleAnnotation{
			ID:      field(rec, "sample_id"),
			Domain:  field(rec, "domain"),
			Tissue:  field(rec, "tissue"),
			Subtype: field(rec, "subtype"),
		})
	}
	return out, nil
}

// checkAnnotated verifies every matrix sample has an annotation row.
func checkAnnotated(m *ExpressionMatrix, anno []SampleAnnotation) error {
	byID := make(map[string]bool, len(anno))
	for _, a := range anno {
		byID[a.ID] = true
	}
	for _, s := range m.Samples {
		if !byID[s] {
			return shapeErrorf("sample %q has no annotation row", s)
		}
	}
	return nil
}
