// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gxglmm

import (
	"bytes"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

func (s *pipelineSuite) writeFixtures(c *check.C) string {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/phenotype.tsv", []byte(`sample_id	phenotype
s01	3.1
s02	2.4
s03	4.0
s04	1.8
s05	2.9
s06	3.6
s07	2.2
s08	4.4
s09	3.0
s10	1.5
s11	3.8
s12	2.7
`), 0777)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(tmpdir+"/pcs.tsv", []byte(`FID	IID	PC1	PC2
fam1	s01	0.12	-0.21
fam1	s02	-0.08	0.15
fam1	s03	0.31	0.04
fam1	s04	-0.25	-0.11
fam1	s05	0.05	0.28
fam1	s06	0.18	-0.06
fam1	s07	-0.14	0.19
fam1	s08	0.27	-0.27
fam1	s09	-0.02	0.08
fam1	s10	-0.31	0.13
fam1	s11	0.09	-0.18
fam1	s12	0.22	0.02
`), 0777)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(tmpdir+"/genotype.tsv", []byte(`sample_id	var1	var2
s01	0	1
s02	1	0
s03	2	0
s04	0	2
s05	1	1
s06	2	0
s07	0	1
s08	1	0
s09	2	2
s10	0	0
s11	1	1
s12	2	0
`), 0777)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(tmpdir+"/covariates.tsv", []byte(`sample_id	age
s01	40
s02	52
s03	37
s04	61
s05	45
s06	33
s07	58
s08	29
s09	49
s10	55
s11	42
s12	36
`), 0777)
	c.Assert(err, check.IsNil)
	return tmpdir
}

func (s *pipelineSuite) TestGxGPipeline(c *check.C) {
	tmpdir := s.writeFixtures(c)
	var stdout, stderr bytes.Buffer
	exited := (&gxgCmd{}).RunCommand("gxglmm gxg", []string{
		"-pcs", tmpdir + "/pcs.tsv",
		"-genotype", tmpdir + "/genotype.tsv",
		"-phenotype", tmpdir + "/phenotype.tsv",
		"-covariates", tmpdir + "/covariates.tsv",
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	c.Assert(len(lines), check.Equals, 3)
	header := strings.Split(lines[0], "\t")
	c.Check(header[0], check.Equals, "variant")
	pcol, mcol := -1, -1
	for i, h := range header {
		switch h {
		case "p_value":
			pcol = i
		case "method":
			mcol = i
		}
	}
	c.Assert(pcol >= 0, check.Equals, true)
	c.Assert(mcol >= 0, check.Equals, true)
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		c.Assert(len(fields), check.Equals, len(header))
		p, err := strconv.ParseFloat(fields[pcol], 64)
		c.Assert(err, check.IsNil)
		c.Check(p > 0 && p <= 1, check.Equals, true, check.Commentf("p=%g line=%q", p, line))
		c.Check(fields[mcol] == "davies" || fields[mcol] == "liu", check.Equals, true)
	}
	c.Check(lines[1], check.Matches, `var1\t12\t2\tphenotype\t.*`)
}

func (s *pipelineSuite) TestGxGOutputFile(c *check.C) {
	tmpdir := s.writeFixtures(c)
	var stdout, stderr bytes.Buffer
	exited := (&gxgCmd{}).RunCommand("gxglmm gxg", []string{
		"-pcs", tmpdir + "/pcs.tsv",
		"-genotype", tmpdir + "/genotype.tsv",
		"-phenotype", tmpdir + "/phenotype.tsv",
		"-o", tmpdir + "/out.tsv",
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	buf, err := os.ReadFile(tmpdir + "/out.tsv")
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(string(buf), "\n"), check.Equals, 3)
}

func (s *pipelineSuite) TestGxGMismatchedSamples(c *check.C) {
	tmpdir := s.writeFixtures(c)
	err := os.WriteFile(tmpdir+"/genotype-bad.tsv", []byte("sample_id\tvar1\ns01\t0\ns02\t1\ns99\t2\n"), 0777)
	c.Assert(err, check.IsNil)
	var stdout, stderr bytes.Buffer
	exited := (&gxgCmd{}).RunCommand("gxglmm gxg", []string{
		"-pcs", tmpdir + "/pcs.tsv",
		"-genotype", tmpdir + "/genotype-bad.tsv",
		"-phenotype", tmpdir + "/phenotype.tsv",
	}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*sample set does not match.*`)

	// environment/phenotype mismatch is caught before any model fitting
	err = os.WriteFile(tmpdir+"/pcs-bad.tsv", []byte("FID\tIID\tPC1\tPC2\nfam1\ts01\t0.1\t-0.2\nfam1\ts02\t-0.1\t0.2\n"), 0777)
	c.Assert(err, check.IsNil)
	stdout.Reset()
	stderr.Reset()
	exited = (&gxgCmd{}).RunCommand("gxglmm gxg", []string{
		"-pcs", tmpdir + "/pcs-bad.tsv",
		"-genotype", tmpdir + "/genotype.tsv",
		"-phenotype", tmpdir + "/phenotype.tsv",
	}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*sample set does not match.*`)
}

func (s *pipelineSuite) TestGxGMissingFlags(c *check.C) {
	var stdout, stderr bytes.Buffer
	exited := (&gxgCmd{}).RunCommand("gxglmm gxg", nil, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?s).*must provide.*`)
}

func (s *pipelineSuite) TestExportKernelRoundTrip(c *check.C) {
	tmpdir := s.writeFixtures(c)
	var stdout, stderr bytes.Buffer
	exited := (&exportKernel{}).RunCommand("gxglmm export-kernel", []string{
		"-pcs", tmpdir + "/pcs.tsv",
		"-o", tmpdir + "/kernel.npy",
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	rdr, err := gonpy.NewFileReader(tmpdir + "/kernel.npy")
	c.Assert(err, check.IsNil)
	c.Assert(rdr.Shape, check.DeepEquals, []int{12, 12})
	data, err := rdr.GetFloat64()
	c.Assert(err, check.IsNil)
	tr := 0.0
	for i := 0; i < 12; i++ {
		tr += data[i*12+i]
		for j := 0; j < 12; j++ {
			c.Check(math.Abs(data[i*12+j]-data[j*12+i]) < 1e-12, check.Equals, true)
		}
	}
	c.Check(math.Abs(tr/12-1) < 1e-12, check.Equals, true)
}

func (s *pipelineSuite) TestAssocPipeline(c *check.C) {
	tmpdir := s.writeFixtures(c)
	var stdout, stderr bytes.Buffer
	exited := (&assocCmd{}).RunCommand("gxglmm assoc", []string{
		"-genotype", tmpdir + "/genotype.tsv",
		"-phenotype", tmpdir + "/phenotype.tsv",
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	c.Assert(len(lines), check.Equals, 3)
	c.Check(lines[0], check.Equals, "variant\tn_samples\tp_value")
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		c.Assert(len(fields), check.Equals, 3)
		p, err := strconv.ParseFloat(fields[2], 64)
		c.Assert(err, check.IsNil)
		if !math.IsNaN(p) {
			c.Check(p > 0 && p <= 1, check.Equals, true)
		}
	}
}
