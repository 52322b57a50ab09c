// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gxglmm

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// gxgCmd runs the full interaction test: load and align the input
// tables, build the environment kernel, fit the null model once, and
// score-test every variant column in the genotype table against it.
type gxgCmd struct{}

func (cmd *gxgCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pcsFilename := flags.String("pcs", "", "local ancestry PC table (`file`, .csv/.tsv/.npy, optionally gzipped)")
	genotypeFilename := flags.String("genotype", "", "query variant genotype table (`file`)")
	phenotypeFilename := flags.String("phenotype", "", "phenotype table (`file`)")
	phenotypeColumn := flags.String("phenotype-column", "", "phenotype column `name` (default: first column named like \"phenotype\")")
	covariateFilename := flags.String("covariates", "", "covariate table (`file`, optional)")
	outputFilename := flags.String("o", "-", "output `file`")
	sepFlag := flags.String("sep", "", "input field `separator` (\",\" or \"tab\", default: autodetect)")
	ml := flags.Bool("ml", false, "maximize the full instead of the restricted likelihood")
	maxIter := flags.Int("max-iterations", 500, "iteration budget for the variance-component optimizer")
	keepCoding := flags.Bool("keep-coding", false, "do not flip genotype coding to minor-allele counts")
	workers := flags.Int("workers", runtime.NumCPU(), "maximum concurrent score tests")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *pcsFilename == "" || *genotypeFilename == "" || *phenotypeFilename == "" {
		err = errors.New("must provide -pcs, -genotype, and -phenotype")
		return 2
	}
	sep, err := parseSep(*sepFlag)
	if err != nil {
		return 2
	}
	err = cmd.run(&gxgConfig{
		pcs:             *pcsFilename,
		genotype:        *genotypeFilename,
		phenotype:       *phenotypeFilename,
		phenotypeColumn: *phenotypeColumn,
		covariates:      *covariateFilename,
		output:          *outputFilename,
		sep:             sep,
		fitOptions:      FitOptions{MaxIterations: *maxIter, ML: *ml},
		keepCoding:      *keepCoding,
		workers:         *workers,
	}, stdout)
	if err != nil {
		return 1
	}
	return 0
}

type gxgConfig struct {
	pcs             string
	genotype        string
	phenotype       string
	phenotypeColumn string
	covariates      string
	output          string
	sep             rune
	fitOptions      FitOptions
	keepCoding      bool
	workers         int
}

type variantResult struct {
	id  string
	res *ScoreResult
}

func (cmd *gxgCmd) run(cfg *gxgConfig, stdout io.Writer) error {
	log.Infof("reading phenotype table %s", cfg.phenotype)
	phenoTable, err := loadTable(cfg.phenotype, cfg.sep)
	if err != nil {
		return err
	}
	ids := phenoTable.idColumn(0)
	n := len(ids)
	phenoCol, err := phenoTable.choosePhenotypeColumn(cfg.phenotypeColumn, 0)
	if err != nil {
		return err
	}
	y, err := phenoTable.floatColumn(phenoCol)
	if err != nil {
		return err
	}
	mean, std := stat.MeanStdDev(y, nil)
	if std == 0 {
		return &DegenerateInputError{Quantity: "phenotype", Value: y[0]}
	}
	log.Infof("phenotype %q: n=%d mean=%.4f std=%.4f", phenoTable.cols[phenoCol], n, mean, std)
	for i := range y {
		y[i] = (y[i] - mean) / std
	}

	m, err := cmd.covariateMatrix(cfg, ids, n)
	if err != nil {
		return err
	}

	env, err := cmd.environmentMatrix(cfg, ids, n)
	if err != nil {
		return err
	}
	standardizeColumns(env)
	scaleEnv(env)
	_, k := env.Dims()
	log.Infof("using %d local-ancestry PCs", k)
	kernel, err := newKernel(env, n)
	if err != nil {
		return err
	}

	vecs := [][]float64{y}
	vecs = append(vecs, matrixColumns(m)...)
	vecs = append(vecs, matrixColumns(env)...)
	fingerprint := datasetFingerprint(ids, vecs...)

	log.Info("fitting null model")
	nm, err := FitNull(y, m, kernel, cfg.fitOptions)
	if err != nil {
		return err
	}
	log.Infof("null fit: r1=%.6g r2=%.6g loglik=%.6g", nm.R1, nm.R2, nm.LogLik)

	log.Infof("reading genotype table %s", cfg.genotype)
	genoTable, err := loadTable(cfg.genotype, cfg.sep)
	if err != nil {
		return err
	}
	if err := genoTable.alignTo(ids, 0); err != nil {
		return err
	}
	var variantCols []int
	for i := range genoTable.cols {
		if i != 0 {
			variantCols = append(variantCols, i)
		}
	}
	if len(variantCols) == 0 {
		return fmt.Errorf("%s: no variant columns after the ID column", cfg.genotype)
	}

	// one immutable null fit, independent score tests
	results := make([]variantResult, len(variantCols))
	sem := make(chan bool, cfg.workers)
	var wg sync.WaitGroup
	var mtx sync.Mutex
	var firstErr error
	for i, col := range variantCols {
		wg.Add(1)
		sem <- true
		go func(i, col int) {
			defer wg.Done()
			defer func() { <-sem }()
			id := genoTable.cols[col]
			g, err := genoTable.floatColumn(col)
			if err == nil {
				if !cfg.keepCoding {
					g = ensureMinorAlleleCoding(g, id)
				}
				var res *ScoreResult
				res, err = nm.ScoreTest(g, env)
				if err == nil {
					results[i] = variantResult{id: id, res: res}
					log.Infof("%s: stat=%.6g p=%.6g (%s)", id, res.Stat, res.PValue, res.Method)
					return
				}
			}
			mtx.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("variant %s: %w", id, err)
			}
			mtx.Unlock()
		}(i, col)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	var output io.WriteCloser
	if cfg.output == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(cfg.output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	fmt.Fprintln(bufw, "variant\tn_samples\tn_pcs\tphenotype\tphenotype_mean\tphenotype_std\tr1\tr2\tstat\tp_value\tmethod\tfingerprint")
	for _, vr := range results {
		fmt.Fprintf(bufw, "%s\t%d\t%d\t%s\t%g\t%g\t%g\t%g\t%g\t%g\t%s\t%s\n",
			vr.id, n, k, phenoTable.cols[phenoCol], mean, std,
			nm.R1, nm.R2, vr.res.Stat, vr.res.PValue, vr.res.Method, fingerprint)
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return output.Close()
}

// covariateMatrix builds M: an intercept column, then the covariate
// table's columns (aligned to the phenotype sample order) if one was
// given.
func (cmd *gxgCmd) covariateMatrix(cfg *gxgConfig, ids []string, n int) (*mat.Dense, error) {
	if cfg.covariates == "" {
		log.Info("no covariates provided, using intercept only")
		m := mat.NewDense(n, 1, nil)
		for i := 0; i < n; i++ {
			m.Set(i, 0, 1)
		}
		return m, nil
	}
	log.Infof("reading covariate table %s", cfg.covariates)
	t, err := loadTable(cfg.covariates, cfg.sep)
	if err != nil {
		return nil, err
	}
	if err := t.alignTo(ids, 0); err != nil {
		return nil, err
	}
	p := len(t.cols) - 1
	log.Infof("using %d covariates", p)
	m := mat.NewDense(n, p+1, nil)
	for i := 0; i < n; i++ {
		m.Set(i, 0, 1)
	}
	for j := 1; j <= p; j++ {
		col, err := t.floatColumn(j)
		if err != nil {
			return nil, err
		}
		m.SetCol(j, col)
	}
	return m, nil
}

// environmentMatrix loads the PC table (or .npy matrix) and aligns it
// to the phenotype sample order. For tables with multi-level IDs
// (e.g. FID, IID, PC1...) the column immediately before the first PC
// column is the sample ID.
func (cmd *gxgCmd) environmentMatrix(cfg *gxgConfig, ids []string, n int) (*mat.Dense, error) {
	if strings.HasSuffix(cfg.pcs, ".npy") {
		return loadEnvNpy(cfg.pcs, n)
	}
	log.Infof("reading PC table %s", cfg.pcs)
	t, err := loadTable(cfg.pcs, cfg.sep)
	if err != nil {
		return nil, err
	}
	cols := t.envColumns(0)
	if len(cols) == 0 {
		return nil, &DimensionError{Quantity: "environment matrix"}
	}
	idcol := 0
	if cols[0] > 0 {
		idcol = cols[0] - 1
	}
	if err := t.alignTo(ids, idcol); err != nil {
		return nil, err
	}
	return t.envMatrix(cols)
}

func parseSep(s string) (rune, error) {
	switch s {
	case "":
		return 0, nil
	case ",":
		return ',', nil
	case "tab", "\\t", "\t":
		return '\t', nil
	}
	if len([]rune(s)) == 1 {
		return []rune(s)[0], nil
	}
	return 0, fmt.Errorf("-sep: invalid separator %q", s)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
