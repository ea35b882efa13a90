// Copyright © 2023-2024 Lazar Lab
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/shenwei356/xopen"
)

// Results are the final, mutually-consistent artifacts of one run, all
// keyed by the short ASV identifiers.
type Results struct {
	IDs     []string          // ASV1..ASVn, descending total abundance
	RepSeqs map[string]string // ASV id -> representative sequence
	Matrix  *AbundanceMatrix  // variant columns renamed to ASV ids
	Tax     Taxonomy          // keyed by ASV id
	Meta    *SampleMetadata
	Tree    *PhyloTree // nil when phylogeny was skipped
}

// AssembleOutputs renames every surviving variant from its sequence to
// a short stable identifier and applies the renaming map atomically to
// all artifacts. Identifiers are assigned by descending total
// abundance, ties broken by column order. Cross-table consistency is
// verified first; a mismatch is fatal, never silently repaired.
func AssembleOutputs(m *AbundanceMatrix, tax Taxonomy, meta *SampleMetadata, tree *PhyloTree) (*Results, error) {
	if len(m.Variants) == 0 {
		return nil, ErrEmptyVariantTable
	}
	for _, v := range m.Variants {
		if _, ok := tax[v]; !ok {
			return nil, errors.Errorf("output assembler: variant missing from taxonomy table: %.30s...", v)
		}
	}
	if len(tax) != len(m.Variants) {
		return nil, errors.Errorf("output assembler: %d taxonomy records for %d variants",
			len(tax), len(m.Variants))
	}
	if tree != nil {
		if err := tree.CheckLeaves(m.Variants); err != nil {
			return nil, err
		}
	}

	// one renaming map, computed once, substituted everywhere
	order := make([]string, len(m.Variants))
	copy(order, m.Variants)
	colIdx := m.vidx
	sort.SliceStable(order, func(i, j int) bool {
		ti, tj := m.VariantTotal(order[i]), m.VariantTotal(order[j])
		if ti != tj {
			return ti > tj
		}
		return colIdx[order[i]] < colIdx[order[j]]
	})
	rename := make(map[string]string, len(order))
	ids := make([]string, len(order))
	repseqs := make(map[string]string, len(order))
	for k, sq := range order {
		id := fmt.Sprintf("ASV%d", k+1)
		rename[sq] = id
		ids[k] = id
		repseqs[id] = sq
	}

	renamedM := newAbundanceMatrix(m.Samples, ids)
	for i := range m.Counts {
		for _, sq := range m.Variants {
			renamedM.Counts[i][renamedM.vidx[rename[sq]]] = m.Counts[i][m.vidx[sq]]
		}
	}

	renamedTax := make(Taxonomy, len(tax))
	for sq, rec := range tax {
		renamedTax[rename[sq]] = rec.clone()
	}

	if tree != nil {
		tree.RenameLeaves(rename)
	}

	return &Results{
		IDs:     ids,
		RepSeqs: repseqs,
		Matrix:  renamedM,
		Tax:     renamedTax,
		Meta:    meta,
		Tree:    tree,
	}, nil
}

// WriteAll writes the output artifacts under outDir: taxonomy.tsv,
// abundance.tsv, metadata.tsv, repseqs.fasta and tree.nwk.
func (r *Results) WriteAll(outDir string, gzipped bool, level int) error {
	ext := ""
	if gzipped {
		ext = ".gz"
	}
	if err := r.writeTaxonomy(filepath.Join(outDir, "taxonomy.tsv"+ext), gzipped, level); err != nil {
		return err
	}
	if err := r.writeAbundance(filepath.Join(outDir, "abundance.tsv"+ext), gzipped, level); err != nil {
		return err
	}
	if err := r.writeMetadata(filepath.Join(outDir, "metadata.tsv"+ext), gzipped, level); err != nil {
		return err
	}
	if err := r.writeRepSeqs(filepath.Join(outDir, "repseqs.fasta"+ext)); err != nil {
		return err
	}
	if r.Tree != nil {
		if err := r.writeTree(filepath.Join(outDir, "tree.nwk"+ext), gzipped, level); err != nil {
			return err
		}
	}
	return nil
}

func (r *Results) writeTaxonomy(file string, gzipped bool, level int) error {
	outfh, gw, w, err := outStream(file, gzipped, level)
	if err != nil {
		return err
	}
	defer func() {
		outfh.Flush()
		if gw != nil {
			gw.Close()
		}
		w.Close()
	}()

	outfh.WriteString("asv\t" + strings.Join(taxRanks, "\t") + "\n")
	for _, id := range r.IDs {
		outfh.WriteString(id + "\t" + strings.Join(r.Tax[id].Ranks, "\t") + "\n")
	}
	return nil
}

func (r *Results) writeAbundance(file string, gzipped bool, level int) error {
	outfh, gw, w, err := outStream(file, gzipped, level)
	if err != nil {
		return err
	}
	defer func() {
		outfh.Flush()
		if gw != nil {
			gw.Close()
		}
		w.Close()
	}()

	outfh.WriteString("asv")
	for _, s := range r.Matrix.Samples {
		outfh.WriteString("\t" + s)
	}
	outfh.WriteString("\n")
	for _, id := range r.IDs {
		outfh.WriteString(id)
		j := r.Matrix.vidx[id]
		for i := range r.Matrix.Samples {
			fmt.Fprintf(outfh, "\t%d", r.Matrix.Counts[i][j])
		}
		outfh.WriteString("\n")
	}
	return nil
}

func (r *Results) writeMetadata(file string, gzipped bool, level int) error {
	outfh, gw, w, err := outStream(file, gzipped, level)
	if err != nil {
		return err
	}
	defer func() {
		outfh.Flush()
		if gw != nil {
			gw.Close()
		}
		w.Close()
	}()

	outfh.WriteString("sample\tnegative\n")
	for _, id := range r.Meta.Order {
		fmt.Fprintf(outfh, "%s\t%v\n", id, r.Meta.Negative[id])
	}
	return nil
}

func (r *Results) writeRepSeqs(file string) error {
	outfh, err := xopen.Wopen(file)
	if err != nil {
		return err
	}
	defer outfh.Close()

	for _, id := range r.IDs {
		record, err := fastx.NewRecord(seq.Unlimit, []byte(id), []byte(id), nil, []byte(r.RepSeqs[id]))
		if err != nil {
			return err
		}
		record.FormatToWriter(outfh, 70)
	}
	return nil
}

func (r *Results) writeTree(file string, gzipped bool, level int) error {
	outfh, gw, w, err := outStream(file, gzipped, level)
	if err != nil {
		return err
	}
	defer func() {
		outfh.Flush()
		if gw != nil {
			gw.Close()
		}
		w.Close()
	}()

	outfh.WriteString(r.Tree.Newick() + "\n")
	return nil
}
