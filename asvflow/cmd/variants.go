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
	"errors"
	"sort"
)

// ErrEmptyVariantTable is fatal: with zero surviving variants no
// downstream stage has meaningful input.
var ErrEmptyVariantTable = errors.New("variant table: no variants survived")

// AbundanceMatrix is the samples x variants count table. Variants are
// keyed by their sequence until the output assembler renames them.
// Invariants: every variant column has at least one non-zero entry,
// and pruning operations return a new matrix, never mutate in place.
type AbundanceMatrix struct {
	Samples  []string
	Variants []string
	Counts   [][]int // row per sample, column per variant

	vidx map[string]int
}

func newAbundanceMatrix(samples, variants []string) *AbundanceMatrix {
	m := &AbundanceMatrix{
		Samples:  samples,
		Variants: variants,
		Counts:   make([][]int, len(samples)),
		vidx:     make(map[string]int, len(variants)),
	}
	for i := range m.Counts {
		m.Counts[i] = make([]int, len(variants))
	}
	for j, v := range variants {
		m.vidx[v] = j
	}
	return m
}

// BuildVariantTable collapses the per-sample merged sequences into
// global variant columns keyed by exact sequence identity. Column
// order is first appearance over samples in registry order.
func BuildVariantTable(merged map[string][]SeqCount, sampleOrder []string) (*AbundanceMatrix, error) {
	variants := make([]string, 0, 1024)
	seen := make(map[string]bool, 1024)
	for _, id := range sampleOrder {
		for _, sc := range merged[id] {
			if sc.Count > 0 && !seen[sc.Seq] {
				seen[sc.Seq] = true
				variants = append(variants, sc.Seq)
			}
		}
	}
	if len(variants) == 0 {
		return nil, ErrEmptyVariantTable
	}

	m := newAbundanceMatrix(sampleOrder, variants)
	for i, id := range sampleOrder {
		for _, sc := range merged[id] {
			if sc.Count > 0 {
				m.Counts[i][m.vidx[sc.Seq]] += sc.Count
			}
		}
	}
	return m, nil
}

// Get returns the count of one sample/variant cell, zero when either
// is absent.
func (m *AbundanceMatrix) Get(sample, variant string) int {
	j, ok := m.vidx[variant]
	if !ok {
		return 0
	}
	for i, s := range m.Samples {
		if s == sample {
			return m.Counts[i][j]
		}
	}
	return 0
}

// VariantTotal returns the total abundance of one variant across all
// samples.
func (m *AbundanceMatrix) VariantTotal(variant string) int {
	j, ok := m.vidx[variant]
	if !ok {
		return 0
	}
	var n int
	for i := range m.Counts {
		n += m.Counts[i][j]
	}
	return n
}

// SampleTotal returns the total abundance of one sample across all
// variants.
func (m *AbundanceMatrix) SampleTotal(sample string) int {
	for i, s := range m.Samples {
		if s == sample {
			var n int
			for _, v := range m.Counts[i] {
				n += v
			}
			return n
		}
	}
	return 0
}

// Total returns the grand total of the matrix.
func (m *AbundanceMatrix) Total() int {
	var n int
	for i := range m.Counts {
		for _, v := range m.Counts[i] {
			n += v
		}
	}
	return n
}

// RemoveVariants returns a new matrix without the given variant
// columns. Columns left with all-zero abundance by other operations
// are removed as well: a variant exists only while it is observed.
func (m *AbundanceMatrix) RemoveVariants(drop map[string]bool) *AbundanceMatrix {
	kept := make([]string, 0, len(m.Variants))
	for _, v := range m.Variants {
		if !drop[v] && m.VariantTotal(v) > 0 {
			kept = append(kept, v)
		}
	}
	out := newAbundanceMatrix(m.Samples, kept)
	for i := range m.Counts {
		for _, v := range kept {
			out.Counts[i][out.vidx[v]] = m.Counts[i][m.vidx[v]]
		}
	}
	return out
}

// RemoveSamples returns a new matrix without the given sample rows.
// Variant columns losing all their abundance are retired with them.
func (m *AbundanceMatrix) RemoveSamples(drop map[string]bool) *AbundanceMatrix {
	keptSamples := make([]string, 0, len(m.Samples))
	for _, s := range m.Samples {
		if !drop[s] {
			keptSamples = append(keptSamples, s)
		}
	}

	tmp := newAbundanceMatrix(keptSamples, m.Variants)
	for i, s := range m.Samples {
		if drop[s] {
			continue
		}
		for j := range m.Variants {
			tmp.Counts[indexOf(keptSamples, s)][j] = m.Counts[i][j]
		}
	}
	return tmp.RemoveVariants(nil)
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// minimal fragment length on each side of a chimeric breakpoint
const minChimeraFragment = 16

// losing more than this share of abundance to chimeras usually means
// merge or primer problems upstream
const chimeraWarnRetained = 0.75

// RemoveChimeras flags and removes bimeric variants in consensus mode:
// a variant is chimeric when it is exactly reconstructable as a prefix
// of one strictly more abundant variant followed by a suffix of
// another. Returns the pruned matrix and the fraction of total
// abundance retained.
func (m *AbundanceMatrix) RemoveChimeras() (*AbundanceMatrix, float64, error) {
	totals := make(map[string]int, len(m.Variants))
	for _, v := range m.Variants {
		totals[v] = m.VariantTotal(v)
	}

	// parents must be strictly more abundant than the candidate
	bySize := make([]string, len(m.Variants))
	copy(bySize, m.Variants)
	sort.SliceStable(bySize, func(i, j int) bool { return totals[bySize[i]] > totals[bySize[j]] })

	chimeric := make(map[string]bool)
	for _, cand := range bySize {
		if isChimera(cand, totals, bySize) {
			chimeric[cand] = true
		}
	}

	totalBefore := m.Total()
	out := m.RemoveVariants(chimeric)
	if len(out.Variants) == 0 {
		return nil, 0, ErrEmptyVariantTable
	}

	frac := 1.0
	if totalBefore > 0 {
		frac = float64(out.Total()) / float64(totalBefore)
	}
	if len(chimeric) > 0 {
		if frac < chimeraWarnRetained {
			log.Warningf("chimera removal: %d of %d variants flagged, only %.2f%% of abundance retained, review merge and primer settings",
				len(chimeric), len(m.Variants), frac*100)
		} else {
			log.Infof("chimera removal: %d of %d variants flagged, %.2f%% of abundance retained",
				len(chimeric), len(m.Variants), frac*100)
		}
	}
	return out, frac, nil
}

func isChimera(cand string, totals map[string]int, variants []string) bool {
	n := len(cand)
	if n < 2*minChimeraFragment {
		return false
	}
	candTotal := totals[cand]

	for _, left := range variants {
		if totals[left] <= candTotal || left == cand {
			continue
		}
		maxPrefix := sharedPrefix(cand, left)
		if maxPrefix < minChimeraFragment {
			continue
		}
		for _, right := range variants {
			if totals[right] <= candTotal || right == cand || right == left {
				continue
			}
			// split point i: cand[:i] from left, cand[i:] a suffix of right
			suffix := sharedSuffix(cand, right)
			if suffix < minChimeraFragment {
				continue
			}
			if maxPrefix+suffix >= n {
				return true
			}
		}
	}
	return false
}

func sharedPrefix(a, b string) int {
	n := minInt(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func sharedSuffix(a, b string) int {
	n := minInt(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[len(a)-1-i] != b[len(b)-1-i] {
			return i
		}
	}
	return n
}
