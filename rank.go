// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"fmt"
	"io"
	"log"
	"math"
	"sort"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ScoreKind says which differential test produced a score set. The
// distinction matters downstream: NoSignal scores are missing, not
// zero, and must never compete in rankings.
type ScoreKind int

const (
	// NoSignal means the domain had a single cluster; no test is
	// possible and every score is missing.
	NoSignal ScoreKind = iota
	// PairwiseTest means scores are absolute two-group t statistics.
	PairwiseTest
	// MultiGroupTest means scores are multi-group likelihood-ratio
	// statistics.
	MultiGroupTest
)

// DifferentialScores holds one differential-state score per gene for
// one domain. Score is aligned with Genes; NaN marks a missing score.
// Larger always means more differential across clusters.
type DifferentialScores struct {
	Kind  ScoreKind
	Genes []string
	Score []float64
}

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.GaussianFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// rankDifferential scores every gene by how much its expression
// differs across the given clusters. The test statistic is routed on
// cluster count: one cluster yields missing scores, two clusters an
// absolute Welch t statistic, more a Gaussian likelihood-ratio
// statistic from the external GLM fitter.
func rankDifferential(m *ExpressionMatrix, clusters ClusterAssignment) (*DifferentialScores, error) {
	labels, err := clusters.labelsFor(m.Samples)
	if err != nil {
		return nil, err
	}
	labels, k := denseLabels(labels)
	out := &DifferentialScores{
		Genes: append([]string(nil), m.Genes...),
		Score: make([]float64, m.cols()),
	}
	switch {
	case k <= 1:
		out.Kind = NoSignal
		for j := range out.Score {
			out.Score[j] = math.NaN()
		}
		return out, nil
	case k == 2:
		out.Kind = PairwiseTest
		for j := range out.Score {
			out.Score[j] = welchT(m, j, labels)
		}
	default:
		out.Kind = MultiGroupTest
		for j := range out.Score {
			out.Score[j] = lrtScore(m, j, labels, k)
		}
		logSignificant(out, k)
	}
	return out, nil
}

// welchT returns |t| for gene column j between the two clusters, or
// NaN when either group is too small or both variances vanish.
func welchT(m *ExpressionMatrix, j int, labels []int) float64 {
	var groups [2][]float64
	for i, label := range labels {
		if v := m.Data.At(i, j); !math.IsNaN(v) {
			groups[label] = append(groups[label], v)
		}
	}
	if len(groups[0]) < 2 || len(groups[1]) < 2 {
		return math.NaN()
	}
	m0, s0 := stat.MeanStdDev(groups[0], nil)
	m1, s1 := stat.MeanStdDev(groups[1], nil)
	se := math.Sqrt(s0*s0/float64(len(groups[0])) + s1*s1/float64(len(groups[1])))
	if se == 0 {
		return math.NaN()
	}
	return math.Abs(m0-m1) / se
}

// lrtScore fits expression ~ cluster indicators against an
// intercept-only null and returns the likelihood-ratio statistic
// 2*(logLikeFull - logLikeNull). NaN on a degenerate fit.
func lrtScore(m *ExpressionMatrix, j int, labels []int, k int) (score float64) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular"
			score = math.NaN()
		}
	}()

	outcome := make([]statmodel.Dtype, 0, m.rows())
	constants := make([]statmodel.Dtype, 0, m.rows())
	dummies := make([][]statmodel.Dtype, k-1)
	for i, label := range labels {
		v := m.Data.At(i, j)
		if math.IsNaN(v) {
			continue
		}
		outcome = append(outcome, v)
		constants = append(constants, 1)
		for c := range dummies {
			if label == c+1 {
				dummies[c] = append(dummies[c], 1)
			} else {
				dummies[c] = append(dummies[c], 0)
			}
		}
	}
	if len(outcome) <= k {
		return math.NaN()
	}

	names := []string{"expr", "constants"}
	data := [][]statmodel.Dtype{outcome, constants}
	nullModel, err := glm.NewGLM(statmodel.NewDataset(data, names), "expr", names[1:], glmConfig)
	if err != nil {
		return math.NaN()
	}
	logNull := nullModel.Fit().LogLike()

	for c, dummy := range dummies {
		names = append(names, clusterCovName(c+1))
		data = append(data, dummy)
	}
	fullModel, err := glm.NewGLM(statmodel.NewDataset(data, names), "expr", names[1:], glmConfig)
	if err != nil {
		return math.NaN()
	}
	logFull := fullModel.Fit().LogLike()

	score = 2 * (logFull - logNull)
	if score < 0 || math.IsInf(score, 0) {
		return math.NaN()
	}
	return score
}

// denseLabels renumbers arbitrary cluster labels to 0..k-1 (sorted by
// original label) and returns the cluster count.
func denseLabels(labels []int) ([]int, int) {
	distinct := map[int]bool{}
	for _, label := range labels {
		distinct[label] = true
	}
	sorted := make([]int, 0, len(distinct))
	for label := range distinct {
		sorted = append(sorted, label)
	}
	sort.Ints(sorted)
	remap := make(map[int]int, len(sorted))
	for dense, label := range sorted {
		remap[label] = dense
	}
	out := make([]int, len(labels))
	for i, label := range labels {
		out[i] = remap[label]
	}
	return out, len(sorted)
}

func clusterCovName(c int) string {
	return fmt.Sprintf("cluster%d", c)
}

func lrtChiSquared(df int) distuv.ChiSquared {
	return distuv.ChiSquared{K: float64(df), Src: rand.NewSource(1)}
}

// logSignificant reports how many genes clear p<0.05 under the
// chi-squared reference distribution, a sanity signal for the caller's
// clustering resolution choice.
func logSignificant(scores *DifferentialScores, k int) {
	dist := lrtChiSquared(k - 1)
	n := 0
	for _, s := range scores.Score {
		if !math.IsNaN(s) && dist.Survival(s) < 0.05 {
			n++
		}
	}
	logrus.Infof("differential test: %d of %d genes at p<0.05 across %d clusters", n, len(scores.Score), k)
}
