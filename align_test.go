// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type alignSuite struct{}

var _ = check.Suite(&alignSuite{})

// syntheticPair builds one domain pair: nPerGroup*2 samples x nGenes,
// two biological groups shared across domains, plus an additive batch
// signature on batchGenes genes injected into the tumor domain only.
func syntheticPair(nPerGroup, nGenes, batchGenes int, seed int64) (tumor, cellLine *ExpressionMatrix, group map[string]int) {
	rnd := rand.New(rand.NewSource(seed))
	group = map[string]int{}
	build := func(prefix string, batch bool) *ExpressionMatrix {
		n := nPerGroup * 2
		data := make([]float64, n*nGenes)
		for i := 0; i < n; i++ {
			grp := i / nPerGroup
			for j := 0; j < nGenes; j++ {
				v := rnd.NormFloat64()
				if grp == 1 && j < nGenes/4 {
					v += 4 // biological signal shared by both domains
				}
				if batch && j >= nGenes/2 && j < nGenes/2+batchGenes {
					v += 4 // domain-specific batch signature
				}
				data[i*nGenes+j] = v
			}
		}
		m := makeMatrix(prefix, n, nGenes, data)
		for i, s := range m.Samples {
			group[s] = i / nPerGroup
		}
		return m
	}
	return build("t", true), build("c", false), group
}

func annotationsFor(m *ExpressionMatrix, domain string) []SampleAnnotation {
	out := make([]SampleAnnotation, len(m.Samples))
	for i, s := range m.Samples {
		out[i] = SampleAnnotation{ID: s, Domain: domain, Tissue: "test"}
	}
	return out
}

// matchedGroupSeparation is the mean embedding distance between
// cross-domain sample pairs of the same biological group, normalized
// by the mean distance over all cross-domain pairs.
func matchedGroupSeparation(e *Embedding, group map[string]int) float64 {
	var matched, all float64
	var nMatched, nAll int
	for i, a := range e.Samples {
		for j, b := range e.Samples {
			if strings.HasPrefix(a, "t") == strings.HasPrefix(b, "t") {
				continue
			}
			d := rowDistance(e.Coords, i, j)
			all += d
			nAll++
			if group[a] == group[b] {
				matched += d
				nMatched++
			}
		}
	}
	return (matched / float64(nMatched)) / (all / float64(nAll))
}

func (s *alignSuite) TestEndToEndAlignment(c *check.C) {
	tumor, cellLine, group := syntheticPair(25, 200, 20, 1)

	// Baseline: embed the uncorrected stacked matrices.
	stacked, err := stackMatrices(tumor, cellLine)
	c.Assert(err, check.IsNil)
	baseline, err := buildEmbedding(stacked, 10)
	c.Assert(err, check.IsNil)
	before := matchedGroupSeparation(baseline, group)

	aligner := Aligner{
		Config: AlignConfig{
			PCADims:            10,
			GraphNeighbors:     10,
			ClusterResolution:  1,
			TopK:               100,
			ContrastiveDims:    2,
			RemoveIndices:      []int{0},
			MNNRefNeighbors:    5,
			MNNTargetNeighbors: 5,
			Sigma:              1,
			Seed:               1,
		},
	}
	result, err := aligner.Run(tumor, cellLine,
		annotationsFor(tumor, "tumor"),
		annotationsFor(cellLine, "cell_line"),
		nil)
	c.Assert(err, check.IsNil)

	c.Check(len(result.GeneUniverse), check.Equals, 200)
	c.Check(len(result.Combined.Samples), check.Equals, 100)
	c.Check(len(result.Clusters), check.Equals, 100)
	c.Check(len(result.AlignmentGenes) > 0, check.Equals, true)

	after := matchedGroupSeparation(result.Embedding, group)
	c.Logf("matched-group separation: before=%.4f after=%.4f", before, after)
	c.Check(after < before, check.Equals, true)
}

func (s *alignSuite) TestAlignCommand(c *check.C) {
	tmpdir := c.MkDir()
	tumor, cellLine, _ := syntheticPair(8, 24, 8, 2)

	writeCsv := func(path string, m *ExpressionMatrix) {
		var b strings.Builder
		b.WriteString("sample_id," + strings.Join(m.Genes, ",") + "\n")
		for i, sample := range m.Samples {
			b.WriteString(sample)
			for j := range m.Genes {
				fmt.Fprintf(&b, ",%g", m.Data.At(i, j))
			}
			b.WriteString("\n")
		}
		c.Assert(ioutil.WriteFile(path, []byte(b.String()), 0644), check.IsNil)
	}
	writeAnno := func(path string, m *ExpressionMatrix, domain string) {
		var b strings.Builder
		b.WriteString("sample_id\tdomain\ttissue\tsubtype\n")
		for _, sample := range m.Samples {
			fmt.Fprintf(&b, "%s\t%s\ttest\t-\n", sample, domain)
		}
		c.Assert(ioutil.WriteFile(path, []byte(b.String()), 0644), check.IsNil)
	}
	writeCsv(tmpdir+"/tumor.csv", tumor)
	writeCsv(tmpdir+"/cell_line.csv", cellLine)
	writeAnno(tmpdir+"/tumor.tsv", tumor, "tumor")
	writeAnno(tmpdir+"/cell_line.tsv", cellLine, "cell_line")

	var ref strings.Builder
	ref.WriteString("gene_id\tcategory\n")
	for i, g := range tumor.Genes {
		category := "protein_coding"
		if i == 5 {
			category = "pseudogene"
		}
		fmt.Fprintf(&ref, "%s\t%s\n", g, category)
	}
	c.Assert(ioutil.WriteFile(tmpdir+"/generef.tsv", []byte(ref.String()), 0644), check.IsNil)

	exited := (&aligncmd{}).RunCommand("tcalign align", []string{
		"-tumor", tmpdir + "/tumor.csv",
		"-cell-line", tmpdir + "/cell_line.csv",
		"-tumor-anno", tmpdir + "/tumor.tsv",
		"-cell-line-anno", tmpdir + "/cell_line.tsv",
		"-gene-ref", tmpdir + "/generef.tsv",
		"-output-dir", tmpdir + "/out",
		"-pca-dims", "5",
		"-graph-neighbors", "4",
		"-top-k", "10",
		"-cpca-dims", "2",
		"-cpca-remove-indices", "0",
		"-mnn-ref-neighbors", "3",
		"-mnn-target-neighbors", "3",
	}, nil, os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	for _, name := range []string{"combined.npy", "combined.genes.txt", "combined.samples.txt", "embedding.npy", "viz.npy", "clusters.tsv", "manifest.json"} {
		_, err := os.Stat(tmpdir + "/out/" + name)
		c.Check(err, check.IsNil)
	}

	buf, err := ioutil.ReadFile(tmpdir + "/out/manifest.json")
	c.Assert(err, check.IsNil)
	var manifest map[string]interface{}
	c.Assert(json.Unmarshal(buf, &manifest), check.IsNil)
	c.Check(manifest["state"], check.Equals, "Succeeded")
	c.Check(manifest["gene_universe"], check.Equals, 23.0)

	clusters, err := ioutil.ReadFile(tmpdir + "/out/clusters.tsv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSpace(string(clusters)), "\n")
	c.Check(len(lines), check.Equals, 1+16+16)
}
