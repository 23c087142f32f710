// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// AlignConfig carries every tunable of the alignment pipeline. All
// fields have working defaults from DefaultAlignConfig; nothing reads
// process-wide state, so concurrent runs with different configurations
// do not interfere.
type AlignConfig struct {
	PCADims            int     // principal components per embedding
	GraphNeighbors     int     // kNN graph degree for clustering
	ClusterResolution  float64 // Louvain resolution
	TopK               int     // dense-rank threshold for alignment gene selection
	ContrastiveDims    int     // leading contrastive directions to compute
	RemoveIndices      []int   // which contrastive directions to regress out
	FastCPCA           bool    // truncated contrastive eigensolver
	MNNRefNeighbors    int     // reference-domain neighbor count
	MNNTargetNeighbors int     // target-domain neighbor count
	Sigma              float64 // MNN kernel bandwidth scale
	Seed               uint64  // PRNG seed for clustering
}

func DefaultAlignConfig() AlignConfig {
	return AlignConfig{
		PCADims:            30,
		GraphNeighbors:     15,
		ClusterResolution:  1.0,
		TopK:               1000,
		ContrastiveDims:    4,
		RemoveIndices:      []int{0, 1, 2, 3},
		FastCPCA:           false,
		MNNRefNeighbors:    5,
		MNNTargetNeighbors: 50,
		Sigma:              1.0,
		Seed:               1,
	}
}

func (c *AlignConfig) Flags(flags *flag.FlagSet) {
	def := DefaultAlignConfig()
	flags.IntVar(&c.PCADims, "pca-dims", def.PCADims, "number of principal `components` per embedding")
	flags.IntVar(&c.GraphNeighbors, "graph-neighbors", def.GraphNeighbors, "neighbor graph degree `N` for clustering")
	flags.Float64Var(&c.ClusterResolution, "cluster-resolution", def.ClusterResolution, "Louvain `resolution`")
	flags.IntVar(&c.TopK, "top-k", def.TopK, "dense-rank threshold `K` for alignment gene selection")
	flags.IntVar(&c.ContrastiveDims, "cpca-dims", def.ContrastiveDims, "number of contrastive `directions` to compute")
	if c.RemoveIndices == nil {
		c.RemoveIndices = append([]int(nil), def.RemoveIndices...)
	}
	flags.Var(&intListFlag{&c.RemoveIndices}, "cpca-remove-indices", "comma-separated `indices` of contrastive directions to remove (default 0,1,2,3)")
	flags.BoolVar(&c.FastCPCA, "cpca-fast", def.FastCPCA, "use the truncated contrastive eigensolver")
	flags.IntVar(&c.MNNRefNeighbors, "mnn-ref-neighbors", def.MNNRefNeighbors, "mutual-neighbor count `N` in the reference (cell line) domain")
	flags.IntVar(&c.MNNTargetNeighbors, "mnn-target-neighbors", def.MNNTargetNeighbors, "mutual-neighbor count `N` in the target (tumor) domain")
	flags.Float64Var(&c.Sigma, "sigma", def.Sigma, "MNN kernel bandwidth `scale`")
	flags.Uint64Var(&c.Seed, "random-seed", def.Seed, "PRNG `seed` for clustering")
}

type intListFlag struct {
	dst *[]int
}

func (f *intListFlag) String() string {
	if f.dst == nil {
		return ""
	}
	parts := make([]string, len(*f.dst))
	for i, v := range *f.dst {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (f *intListFlag) Set(s string) error {
	var out []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	*f.dst = out
	return nil
}

// AlignResult is the terminal state of a pipeline run.
type AlignResult struct {
	Combined        *ExpressionMatrix // corrected, both domains stacked
	Embedding       *Embedding        // final principal-component embedding
	Clusters        ClusterAssignment // over the union of both domains
	GeneUniverse    []string
	AlignmentGenes  map[string]bool
	IsolatedSamples int // target samples that received no correction
}

// Aligner runs the whole alignment pipeline. The cell-line domain is
// the reference; tumors are corrected toward it.
type Aligner struct {
	Config   AlignConfig
	Universe geneUniverse
}

type domainState struct {
	name      string
	matrix    *ExpressionMatrix
	embedding *Embedding
	clusters  ClusterAssignment
	scores    *DifferentialScores
}

// Run executes the pipeline once: gene-universe filtering, per-domain
// embedding/clustering/ranking (the two domains run concurrently),
// alignment gene selection, contrastive-direction removal, mutual-
// nearest-neighbor correction, and a final embedding plus clustering
// of the combined corrected matrix. Any stage error fails the whole
// run with the stage name attached; there is no retry or partial
// result.
func (al *Aligner) Run(tumor, cellLine *ExpressionMatrix, tumorAnno, cellLineAnno []SampleAnnotation, geneRef map[string]string) (*AlignResult, error) {
	if err := checkAnnotated(tumor, tumorAnno); err != nil {
		return nil, stageError("LoadInputs", err)
	}
	if err := checkAnnotated(cellLine, cellLineAnno); err != nil {
		return nil, stageError("LoadInputs", err)
	}
	tumorIDs := map[string]bool{}
	for _, s := range tumor.Samples {
		tumorIDs[s] = true
	}
	for _, s := range cellLine.Samples {
		if tumorIDs[s] {
			return nil, stageError("LoadInputs", shapeErrorf("sample %q appears in both domains", s))
		}
	}

	log.Info("filtering gene universe")
	universe, err := al.Universe.Filter(tumor, cellLine, geneRef)
	if err != nil {
		return nil, stageError("FilterGenes", err)
	}
	log.Printf("gene universe: %d genes", len(universe))

	domains := []*domainState{
		{name: "tumor"},
		{name: "cell_line"},
	}
	for i, m := range []*ExpressionMatrix{tumor, cellLine} {
		sub, err := m.SubsetGenes(universe)
		if err != nil {
			return nil, stageError("FilterGenes", err)
		}
		if n := imputeMissing(sub); n > 0 {
			log.Printf("%s: imputed %d missing values to gene means", domains[i].name, n)
		}
		domains[i].matrix = sub
	}

	// The two domain branches have no data dependency on each
	// other; everything after them is a barrier.
	var branches throttle
	branches.Max = 2
	for _, d := range domains {
		d := d
		branches.Go(func() error { return al.runDomainBranch(d) })
	}
	if err := branches.Wait(); err != nil {
		return nil, err
	}
	tumorState, cellLineState := domains[0], domains[1]

	log.Info("selecting alignment genes")
	alignmentGenes, err := selectAlignmentGenes(tumorState.scores, cellLineState.scores, al.Config.TopK)
	if err != nil {
		return nil, stageError("SelectAlignmentGenes", err)
	}
	log.Printf("alignment gene set: %d genes", len(alignmentGenes))

	log.Info("removing contrastive directions")
	remover := contrastiveRemover{
		Dims:      al.Config.ContrastiveDims,
		RemoveIdx: al.Config.RemoveIndices,
		Fast:      al.Config.FastCPCA,
	}
	basis, err := remover.ComputeBasis(tumorState.matrix, cellLineState.matrix)
	if err != nil {
		return nil, stageError("RemoveContrastiveDirections", err)
	}
	removal, err := remover.RemovalBasis(basis)
	if err != nil {
		return nil, stageError("RemoveContrastiveDirections", err)
	}
	correctedTumor, err := remover.Remove(tumorState.matrix, removal)
	if err != nil {
		return nil, stageError("RemoveContrastiveDirections", err)
	}
	correctedCellLine, err := remover.Remove(cellLineState.matrix, removal)
	if err != nil {
		return nil, stageError("RemoveContrastiveDirections", err)
	}

	log.Info("correcting tumors toward cell line neighbors")
	corrector := neighborCorrector{
		KRef:    al.Config.MNNRefNeighbors,
		KTarget: al.Config.MNNTargetNeighbors,
		Sigma:   al.Config.Sigma,
	}
	mnn, err := corrector.Correct(correctedCellLine, correctedTumor, alignmentGenes)
	if err != nil {
		return nil, stageError("CorrectNeighbors", err)
	}
	if mnn.Isolated > 0 {
		log.Warnf("%d of %d tumor samples had no mutual neighbor pair and were left uncorrected", mnn.Isolated, len(correctedTumor.Samples))
	}

	combined, err := stackMatrices(mnn.Target, mnn.Ref)
	if err != nil {
		return nil, stageError("CombineMatrices", err)
	}

	log.Info("building final embedding")
	finalEmbedding, err := buildEmbedding(combined, al.Config.PCADims)
	if err != nil {
		return nil, stageError("BuildFinalEmbedding", err)
	}
	assigner := clusterAssigner{
		Neighbors:  al.Config.GraphNeighbors,
		Resolution: al.Config.ClusterResolution,
		Seed:       al.Config.Seed,
	}
	finalClusters, err := assigner.Assign(finalEmbedding)
	if err != nil {
		return nil, stageError("ClusterFinal", err)
	}
	log.Printf("final embedding: %d samples, %d clusters", len(combined.Samples), finalClusters.nClusters())

	return &AlignResult{
		Combined:        combined,
		Embedding:       finalEmbedding,
		Clusters:        finalClusters,
		GeneUniverse:    universe,
		AlignmentGenes:  alignmentGenes,
		IsolatedSamples: mnn.Isolated,
	}, nil
}

// runDomainBranch performs the per-domain stages: embedding,
// clustering, differential ranking.
func (al *Aligner) runDomainBranch(d *domainState) error {
	embedding, err := buildEmbedding(d.matrix, al.Config.PCADims)
	if err != nil {
		return stageError("BuildEmbedding/"+d.name, err)
	}
	d.embedding = embedding
	assigner := clusterAssigner{
		Neighbors:  al.Config.GraphNeighbors,
		Resolution: al.Config.ClusterResolution,
		Seed:       al.Config.Seed,
	}
	clusters, err := assigner.Assign(embedding)
	if err != nil {
		return stageError("Cluster/"+d.name, err)
	}
	d.clusters = clusters
	log.Printf("%s: %d clusters over %d samples", d.name, clusters.nClusters(), len(d.matrix.Samples))
	scores, err := rankDifferential(d.matrix, clusters)
	if err != nil {
		return stageError("RankGenes/"+d.name, err)
	}
	d.scores = scores
	return nil
}

// imputeMissing replaces NaN entries with their gene's mean (zero when
// the whole column is missing) and returns the number of imputed
// entries. The numerical stages require complete data.
func imputeMissing(m *ExpressionMatrix) int {
	imputed := 0
	col := make([]float64, 0, m.rows())
	for j := 0; j < m.cols(); j++ {
		col = col[:0]
		missing := false
		for i := 0; i < m.rows(); i++ {
			if v := m.Data.At(i, j); math.IsNaN(v) {
				missing = true
			} else {
				col = append(col, v)
			}
		}
		if !missing {
			continue
		}
		mean := 0.0
		if len(col) > 0 {
			mean = stat.Mean(col, nil)
		}
		for i := 0; i < m.rows(); i++ {
			if math.IsNaN(m.Data.At(i, j)) {
				m.Data.Set(i, j, mean)
				imputed++
			}
		}
	}
	return imputed
}

type aligncmd struct {
	config   AlignConfig
	universe geneUniverse
}

func (cmd *aligncmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *aligncmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	tumorFilename := flags.String("tumor", "", "tumor expression matrix `file` (csv[.gz] or npy)")
	cellLineFilename := flags.String("cell-line", "", "cell line expression matrix `file` (csv[.gz] or npy)")
	tumorAnnoFilename := flags.String("tumor-anno", "", "tumor annotation tsv `file`")
	cellLineAnnoFilename := flags.String("cell-line-anno", "", "cell line annotation tsv `file`")
	refFilename := flags.String("gene-ref", "", "gene category reference tsv `file`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	cmd.config.Flags(flags)
	cmd.universe.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	for name, val := range map[string]string{
		"-tumor":          *tumorFilename,
		"-cell-line":      *cellLineFilename,
		"-tumor-anno":     *tumorAnnoFilename,
		"-cell-line-anno": *cellLineAnnoFilename,
		"-gene-ref":       *refFilename,
	} {
		if val == "" {
			return configErrorf("%s is required", name)
		}
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	fingerprints := map[string]string{}
	for _, path := range []string{*tumorFilename, *cellLineFilename, *refFilename} {
		fp, err := fingerprintFile(path)
		if err != nil {
			return err
		}
		fingerprints[filepath.Base(path)] = fp
		log.Printf("input %s blake2b %s", path, fp)
	}

	log.Print("loading inputs")
	tumor, err := loadExpressionMatrix(*tumorFilename)
	if err != nil {
		return stageError("LoadInputs", err)
	}
	cellLine, err := loadExpressionMatrix(*cellLineFilename)
	if err != nil {
		return stageError("LoadInputs", err)
	}
	tumorAnno, err := loadAnnotations(*tumorAnnoFilename)
	if err != nil {
		return stageError("LoadInputs", err)
	}
	cellLineAnno, err := loadAnnotations(*cellLineAnnoFilename)
	if err != nil {
		return stageError("LoadInputs", err)
	}
	geneRef, err := loadGeneReference(*refFilename)
	if err != nil {
		return stageError("LoadInputs", err)
	}

	aligner := Aligner{Config: cmd.config, Universe: cmd.universe}
	result, err := aligner.Run(tumor, cellLine, tumorAnno, cellLineAnno, geneRef)
	if err != nil {
		return err
	}

	domainOf := map[string]string{}
	for _, a := range append(append([]SampleAnnotation(nil), tumorAnno...), cellLineAnno...) {
		domainOf[a.ID] = a.Domain
	}
	if err := cmd.writeOutputs(*outputDir, result, domainOf, fingerprints); err != nil {
		return err
	}
	log.Print("done")
	return nil
}

func (cmd *aligncmd) writeOutputs(dir string, result *AlignResult, domainOf map[string]string, fingerprints map[string]string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	if err := writeNpyMatrix(filepath.Join(dir, "combined.npy"), result.Combined); err != nil {
		return err
	}
	rows, cols := result.Embedding.Coords.Dims()
	coords := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			coords = append(coords, result.Embedding.Coords.At(i, j))
		}
	}
	if err := writeNpy(filepath.Join(dir, "embedding.npy"), coords, rows, cols); err != nil {
		return err
	}
	viz := result.Embedding.Viz2D()
	vizData := make([]float64, 0, rows*2)
	for i := 0; i < rows; i++ {
		vizData = append(vizData, viz.At(i, 0), viz.At(i, 1))
	}
	if err := writeNpy(filepath.Join(dir, "viz.npy"), vizData, rows, 2); err != nil {
		return err
	}

	clustersFile, err := os.OpenFile(filepath.Join(dir, "clusters.tsv"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer clustersFile.Close()
	bufw := bufio.NewWriter(clustersFile)
	fmt.Fprintln(bufw, "sample_id\tdomain\tcluster")
	for _, s := range result.Combined.Samples {
		fmt.Fprintf(bufw, "%s\t%s\t%d\n", s, domainOf[s], result.Clusters[s])
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	if err := clustersFile.Close(); err != nil {
		return err
	}

	manifest := map[string]interface{}{
		"state":            "Succeeded",
		"inputs":           fingerprints,
		"config":           cmd.config,
		"gene_universe":    len(result.GeneUniverse),
		"alignment_genes":  len(result.AlignmentGenes),
		"isolated_samples": result.IsolatedSamples,
	}
	manifestFile, err := os.OpenFile(filepath.Join(dir, "manifest.json"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer manifestFile.Close()
	enc := json.NewEncoder(manifestFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return err
	}
	return manifestFile.Close()
}
