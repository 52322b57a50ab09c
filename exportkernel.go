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
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportKernel builds the environment kernel from a PC table and
// writes it as a numpy array, for inspection or for reuse by other
// tooling.
type exportKernel struct{}

func (cmd *exportKernel) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pcsFilename := flags.String("pcs", "", "local ancestry PC table (`file`)")
	outputFilename := flags.String("o", "-", "output `file` (.npy)")
	sepFlag := flags.String("sep", "", "input field `separator` (\",\" or \"tab\", default: autodetect)")
	rawColumns := flags.Bool("raw", false, "use PC columns as is, without standardizing")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *pcsFilename == "" {
		err = errors.New("must provide -pcs")
		return 2
	}
	sep, err := parseSep(*sepFlag)
	if err != nil {
		return 2
	}

	t, err := loadTable(*pcsFilename, sep)
	if err != nil {
		return 1
	}
	cols := t.envColumns(0)
	env, err := t.envMatrix(cols)
	if err != nil {
		return 1
	}
	if !*rawColumns {
		standardizeColumns(env)
		scaleEnv(env)
	}
	n, k := env.Dims()
	log.Infof("building %d×%d kernel from %d PCs", n, n, k)
	kernel, err := newKernel(env, n)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		if !strings.HasSuffix(*outputFilename, ".npy") {
			log.Warnf("output %s does not end in .npy", *outputFilename)
		}
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{n, n}
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = kernel.At(i, j)
		}
	}
	err = npw.WriteFloat64(out)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
