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
	stdlog "log"
	"math"
	"os"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// assocCmd computes the marginal (main-effect) association of each
// variant with the phenotype, ignoring the environment: a GLM
// likelihood-ratio test of the variant against the covariate-only
// model. Useful as a companion diagnostic to the interaction test --
// a variant can have a strong main effect and no heterogeneity, or
// the reverse.
type assocCmd struct{}

func (cmd *assocCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	genotypeFilename := flags.String("genotype", "", "query variant genotype table (`file`)")
	phenotypeFilename := flags.String("phenotype", "", "phenotype table (`file`)")
	phenotypeColumn := flags.String("phenotype-column", "", "phenotype column `name`")
	covariateFilename := flags.String("covariates", "", "covariate table (`file`, optional)")
	outputFilename := flags.String("o", "-", "output `file`")
	sepFlag := flags.String("sep", "", "input field `separator` (\",\" or \"tab\", default: autodetect)")
	familyFlag := flags.String("family", "auto", "GLM `family`: auto, gaussian, or binomial")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *genotypeFilename == "" || *phenotypeFilename == "" {
		err = errors.New("must provide -genotype and -phenotype")
		return 2
	}
	sep, err := parseSep(*sepFlag)
	if err != nil {
		return 2
	}

	phenoTable, err := loadTable(*phenotypeFilename, sep)
	if err != nil {
		return 1
	}
	ids := phenoTable.idColumn(0)
	phenoCol, err := phenoTable.choosePhenotypeColumn(*phenotypeColumn, 0)
	if err != nil {
		return 1
	}
	y, err := phenoTable.floatColumn(phenoCol)
	if err != nil {
		return 1
	}
	if stat.Variance(y, nil) == 0 {
		err = &DegenerateInputError{Quantity: "phenotype", Value: y[0]}
		return 1
	}

	var covariates [][]float64
	if *covariateFilename != "" {
		var t *sampleTable
		t, err = loadTable(*covariateFilename, sep)
		if err != nil {
			return 1
		}
		if err = t.alignTo(ids, 0); err != nil {
			return 1
		}
		for j := 1; j < len(t.cols); j++ {
			var col []float64
			col, err = t.floatColumn(j)
			if err != nil {
				return 1
			}
			covariates = append(covariates, col)
		}
	}

	family := glm.NewFamily(glm.GaussianFamily)
	switch *familyFlag {
	case "gaussian":
	case "binomial":
		family = glm.NewFamily(glm.BinomialFamily)
	case "auto":
		if isBinary(y) {
			family = glm.NewFamily(glm.BinomialFamily)
			log.Info("phenotype is 0/1, using binomial family")
		}
	default:
		err = fmt.Errorf("-family: unknown family %q", *familyFlag)
		return 2
	}

	pvalue, err := marginalPvalueFunc(y, covariates, family)
	if err != nil {
		return 1
	}

	genoTable, err := loadTable(*genotypeFilename, sep)
	if err != nil {
		return 1
	}
	if err = genoTable.alignTo(ids, 0); err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	fmt.Fprintln(bufw, "variant\tn_samples\tp_value")
	for col := 1; col < len(genoTable.cols); col++ {
		var g []float64
		g, err = genoTable.floatColumn(col)
		if err != nil {
			return 1
		}
		p := pvalue(g)
		fmt.Fprintf(bufw, "%s\t%d\t%g\n", genoTable.cols[col], len(ids), p)
	}
	if err = bufw.Flush(); err != nil {
		return 1
	}
	if err = output.Close(); err != nil {
		return 1
	}
	return 0
}

// marginalPvalueFunc fits the covariate-only GLM once and returns a
// function computing the likelihood-ratio p-value of one variant
// against it.
func marginalPvalueFunc(y []float64, covariates [][]float64, family *glm.Family) (func(g []float64) float64, error) {
	config := &glm.Config{
		Family:         family,
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		Log:            stdlog.New(io.Discard, "", 0),
	}
	constants := make([]statmodel.Dtype, len(y))
	for i := range constants {
		constants[i] = 1
	}
	data := [][]statmodel.Dtype{append([]float64(nil), y...), constants}
	names := []string{"outcome", "constants"}
	for i, c := range covariates {
		c = append([]float64(nil), c...)
		normalize(c)
		data = append(data, c)
		names = append(names, fmt.Sprintf("covar%d", i+1))
	}
	dataset := statmodel.NewDataset(data, names)

	model, err := glm.NewGLM(dataset, "outcome", names[1:], config)
	if err != nil {
		return nil, fmt.Errorf("covariate-only GLM: %w", err)
	}
	resultCov := model.Fit()
	logCov := resultCov.LogLike()

	return func(g []float64) (p float64) {
		defer func() {
			if recover() != nil {
				// typically "matrix singular or near-singular with condition number +Inf"
				p = math.NaN()
			}
		}()
		data := append([][]statmodel.Dtype{data[0], g}, data[1:]...)
		names := append([]string{"outcome", "variant"}, names[1:]...)
		dataset := statmodel.NewDataset(data, names)
		model, err := glm.NewGLM(dataset, "outcome", names[1:], config)
		if err != nil {
			return math.NaN()
		}
		resultComp := model.Fit()
		dist := distuv.ChiSquared{K: 1}
		return dist.Survival(-2 * (logCov - resultComp.LogLike()))
	}, nil
}

func normalize(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	for i, x := range a {
		a[i] = (x - mean) / std
	}
}

func isBinary(y []float64) bool {
	for _, v := range y {
		if v != 0 && v != 1 {
			return false
		}
	}
	return true
}
