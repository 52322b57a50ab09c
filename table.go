// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gxglmm

import (
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

// sampleTable is one tabular input: a header row naming the columns,
// and one row of raw cells per sample. Cells stay strings until a
// column is extracted, so ID and annotation columns never need to
// parse as numbers.
type sampleTable struct {
	path string
	cols []string
	rows [][]string
}

func openInput(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, f}, nil
}

// loadTable reads a CSV/TSV file (optionally gzip-compressed). sep 0
// means autodetect from the header row. A leading '#' on the header
// row is stripped (plink convention); later lines starting with '#'
// are skipped as comments.
func loadTable(path string, sep rune) (*sampleTable, error) {
	rdr, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	lines := strings.Split(strings.ReplaceAll(string(buf), "\r\n", "\n"), "\n")
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	if start == len(lines) {
		return nil, fmt.Errorf("%s: empty table", path)
	}
	lines[start] = strings.TrimPrefix(lines[start], "#")
	if sep == 0 {
		if strings.ContainsRune(lines[start], '\t') {
			sep = '\t'
		} else {
			sep = ','
		}
	}
	cr := csv.NewReader(strings.NewReader(strings.Join(lines[start:], "\n")))
	cr.Comma = sep
	cr.Comment = '#'
	cr.FieldsPerRecord = 0
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%s: no data rows", path)
	}
	return &sampleTable{path: path, cols: records[0], rows: records[1:]}, nil
}

func (t *sampleTable) colIndex(name string) int {
	for i, c := range t.cols {
		if c == name {
			return i
		}
	}
	return -1
}

func (t *sampleTable) idColumn(idcol int) []string {
	ids := make([]string, len(t.rows))
	for i, row := range t.rows {
		ids[i] = row[idcol]
	}
	return ids
}

func (t *sampleTable) floatColumn(col int) ([]float64, error) {
	out := make([]float64, len(t.rows))
	for i, row := range t.rows {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: column %q, row %d: %q is not numeric", t.path, t.cols[col], i+2, row[col])
		}
		out[i] = v
	}
	return out, nil
}

// alignTo reorders t's rows so its ID column matches refIDs exactly.
// A sample-set mismatch in either direction is an InputAlignmentError;
// it is detected here, before any numeric work happens.
func (t *sampleTable) alignTo(refIDs []string, idcol int) error {
	byID := make(map[string]int, len(t.rows))
	for i, row := range t.rows {
		id := row[idcol]
		if _, dup := byID[id]; dup {
			return fmt.Errorf("%s: duplicate sample ID %q", t.path, id)
		}
		byID[id] = i
	}
	var missing, extra []string
	refSet := make(map[string]bool, len(refIDs))
	for _, id := range refIDs {
		refSet[id] = true
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	for _, row := range t.rows {
		if !refSet[row[idcol]] {
			extra = append(extra, row[idcol])
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		return &InputAlignmentError{
			Table:    t.path,
			NSamples: len(t.rows),
			NRef:     len(refIDs),
			Missing:  missing,
			Extra:    extra,
		}
	}
	reordered := make([][]string, len(refIDs))
	for i, id := range refIDs {
		reordered[i] = t.rows[byID[id]]
	}
	t.rows = reordered
	return nil
}

// choosePhenotypeColumn resolves the phenotype column: an explicit
// name wins; otherwise the first column whose name contains
// "phenotype" (any case); otherwise the first column after the ID.
func (t *sampleTable) choosePhenotypeColumn(name string, idcol int) (int, error) {
	if name != "" {
		if i := t.colIndex(name); i >= 0 {
			return i, nil
		}
		return -1, fmt.Errorf("%s: no column named %q", t.path, name)
	}
	for i, c := range t.cols {
		if i != idcol && strings.Contains(strings.ToLower(c), "phenotype") {
			return i, nil
		}
	}
	for i := range t.cols {
		if i != idcol {
			log.Infof("%s: no column named like \"phenotype\", using column %q", t.path, t.cols[i])
			return i, nil
		}
	}
	return -1, fmt.Errorf("%s: cannot determine phenotype column", t.path)
}

// envColumns returns the indexes of the PC columns: those whose names
// start with "PC", or, failing that, every column after the ID that
// parses as numeric in all rows.
func (t *sampleTable) envColumns(idcol int) []int {
	var cols []int
	for i, c := range t.cols {
		if i != idcol && strings.HasPrefix(c, "PC") {
			cols = append(cols, i)
		}
	}
	if len(cols) > 0 {
		return cols
	}
	log.Warnf("%s: no columns starting with \"PC\", using all numeric columns", t.path)
	for i := range t.cols {
		if i == idcol {
			continue
		}
		if _, err := t.floatColumn(i); err == nil {
			cols = append(cols, i)
		}
	}
	return cols
}

// envMatrix extracts the given columns as an n×k matrix.
func (t *sampleTable) envMatrix(cols []int) (*mat.Dense, error) {
	if len(cols) == 0 {
		return nil, &DimensionError{Quantity: "environment matrix"}
	}
	e := mat.NewDense(len(t.rows), len(cols), nil)
	for j, col := range cols {
		v, err := t.floatColumn(col)
		if err != nil {
			return nil, err
		}
		e.SetCol(j, v)
	}
	return e, nil
}

// loadEnvNpy reads an environment matrix from a .npy file, as written
// by the upstream PCA step. Such files carry no sample IDs; rows are
// taken to be in phenotype-table order.
func loadEnvNpy(path string, nSamples int) (*mat.Dense, error) {
	rdr, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(rdr.Shape) != 2 {
		return nil, fmt.Errorf("%s: want a 2-dimensional array, got shape %v", path, rdr.Shape)
	}
	data, err := rdr.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	n, k := rdr.Shape[0], rdr.Shape[1]
	if n != nSamples {
		return nil, &InputAlignmentError{Table: path, NSamples: n, NRef: nSamples}
	}
	log.Warnf("%s: numpy input has no sample IDs, assuming phenotype-table order", path)
	e := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			if rdr.ColumnMajor {
				e.Set(i, j, data[j*n+i])
			} else {
				e.Set(i, j, data[i*k+j])
			}
		}
	}
	return e, nil
}

// ensureMinorAlleleCoding flips a {0,1,2}-coded genotype vector so the
// minor allele is the counted one: if there are more 2s than 0s the
// coding is inverted (0↔2). Vectors with values outside {0,1,2}
// (continuous dosages) are returned unchanged.
func ensureMinorAlleleCoding(g []float64, label string) []float64 {
	zeros, twos := 0, 0
	for _, v := range g {
		switch v {
		case 0:
			zeros++
		case 1:
		case 2:
			twos++
		default:
			return g
		}
	}
	if twos <= zeros {
		return g
	}
	log.Infof("%s: flipping genotype coding (%d homozygous-alt vs %d homozygous-ref)", label, twos, zeros)
	flipped := make([]float64, len(g))
	for i, v := range g {
		flipped[i] = 2 - v
	}
	return flipped
}

// datasetFingerprint hashes the aligned inputs so a result row can be
// traced back to the exact data it was computed from.
func datasetFingerprint(ids []string, vecs ...[]float64) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	var buf [8]byte
	for _, v := range vecs {
		for _, x := range v {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
			h.Write(buf[:])
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}

func matrixColumns(m *mat.Dense) [][]float64 {
	rows, cols := m.Dims()
	out := make([][]float64, cols)
	for j := 0; j < cols; j++ {
		out[j] = make([]float64, rows)
		mat.Col(out[j], j, m)
	}
	return out
}
