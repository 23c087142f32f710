// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
)

// geneUniverse selects the ordered intersection of the two matrices'
// gene sets with the reference table, excluding unwanted categories.
type geneUniverse struct {
	ExcludeCategories string
}

func (gu *geneUniverse) Flags(flags *flag.FlagSet) {
	flags.StringVar(&gu.ExcludeCategories, "exclude-categories", "pseudogene,non-coding", "comma-separated gene `categories` to exclude from the universe")
}

// Filter returns the genes present in both matrices whose reference
// category is not excluded, sorted lexicographically. The ordering is
// deterministic so both matrices can be column-aligned by position.
// Genes absent from the reference table are kept (unknown is not
// excluded). Fails with ConfigurationError on an empty result.
func (gu *geneUniverse) Filter(a, b *ExpressionMatrix, ref map[string]string) ([]string, error) {
	excluded := map[string]bool{}
	for _, cat := range strings.Split(gu.ExcludeCategories, ",") {
		if cat = strings.TrimSpace(cat); cat != "" {
			excluded[cat] = true
		}
	}
	inB := make(map[string]bool, len(b.Genes))
	for _, g := range b.Genes {
		inB[g] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, g := range a.Genes {
		if !inB[g] || seen[g] {
			continue
		}
		seen[g] = true
		if cat, ok := ref[g]; ok && excluded[cat] {
			continue
		}
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, configErrorf("gene universe is empty after filtering (%d x %d input genes)", len(a.Genes), len(b.Genes))
	}
	sort.Strings(out)
	return out, nil
}

// loadGeneReference reads a tab-separated table mapping gene
// identifiers to a category, with a header line naming gene_id and
// category columns.
func loadGeneReference(path string) (map[string]string, error) {
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
	geneCol, catCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case "gene_id":
			geneCol = i
		case "category":
			catCol = i
		}
	}
	if geneCol < 0 || catCol < 0 {
		return nil, configErrorf("%s: need gene_id and category columns, got %q", path, header)
	}
	ref := map[string]string{}
	for {
		rec, err := tsv.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		ref[rec[geneCol]] = rec[catCol]
	}
	return ref, nil
}

type filterGenesCmd struct {
	universe geneUniverse
}

func (cmd *filterGenesCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *filterGenesCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	tumorFilename := flags.String("tumor", "", "tumor expression matrix `file`")
	cellLineFilename := flags.String("cell-line", "", "cell line expression matrix `file`")
	refFilename := flags.String("gene-ref", "", "gene category reference tsv `file`")
	cmd.universe.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *tumorFilename == "" || *cellLineFilename == "" || *refFilename == "" {
		return configErrorf("-tumor, -cell-line, and -gene-ref are all required")
	}
	tumor, err := loadExpressionMatrix(*tumorFilename)
	if err != nil {
		return err
	}
	cellLine, err := loadExpressionMatrix(*cellLineFilename)
	if err != nil {
		return err
	}
	ref, err := loadGeneReference(*refFilename)
	if err != nil {
		return err
	}
	genes, err := cmd.universe.Filter(tumor, cellLine, ref)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriter(stdout)
	for _, g := range genes {
		fmt.Fprintln(bufw, g)
	}
	return bufw.Flush()
}
