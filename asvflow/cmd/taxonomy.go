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
	"strings"

	"github.com/pkg/errors"
)

// taxRanks is the fixed rank order of every taxonomy record, coarsest
// first.
var taxRanks = []string{"Kingdom", "Phylum", "Class", "Order", "Family", "Genus", "Species"}

const (
	rankKingdom = 0
	rankPhylum  = 1
)

// unclassifiedPrefix marks gap-filled ranks: Unclassified_<nearest
// coarser resolved label>.
const unclassifiedPrefix = "Unclassified_"

// TaxonomyRecord is one variant's ordered rank assignments. An empty
// string is an unresolved rank; gap-filling leaves no rank empty.
type TaxonomyRecord struct {
	Ranks []string
}

func (r *TaxonomyRecord) clone() *TaxonomyRecord {
	ranks := make([]string, len(r.Ranks))
	copy(ranks, r.Ranks)
	return &TaxonomyRecord{Ranks: ranks}
}

// Resolved reports whether the rank at index i carries a concrete,
// non-gap-filled label.
func (r *TaxonomyRecord) Resolved(i int) bool {
	return i < len(r.Ranks) && r.Ranks[i] != "" &&
		!strings.HasPrefix(r.Ranks[i], unclassifiedPrefix)
}

// Taxonomy maps each variant to its record. Exactly one record per
// variant: the tier merge is injective on variant identity.
type Taxonomy map[string]*TaxonomyRecord

// Classifier assigns a rank tuple to each query sequence. Ranks below
// the classifier's confidence threshold are left unresolved rather
// than guessed.
type Classifier interface {
	Classify(seqs []string) (Taxonomy, error)
}

// TaxonomyResolver runs the two-tier classification cascade: a
// bootstrap classifier against the curated reference first, then a
// secondary classifier against a narrower domain-specific set for
// variants with a resolved kingdom but unresolved phylum.
type TaxonomyResolver struct {
	Primary   Classifier
	Secondary Classifier // optional

	// variants whose kingdom differs are retired from all tables
	TargetDomain string

	// label for the fully-unresolved record; configuration choice,
	// defaults to Unclassified_Unclassified
	UnclassifiedRoot string
}

func (r *TaxonomyResolver) unclassifiedRoot() string {
	if r.UnclassifiedRoot == "" {
		return unclassifiedPrefix + "Unclassified"
	}
	return r.UnclassifiedRoot
}

// Resolve classifies all variants of the matrix and returns the
// gap-filled taxonomy restricted to the target domain, together with
// the correspondingly pruned matrix.
func (r *TaxonomyResolver) Resolve(m *AbundanceMatrix) (Taxonomy, *AbundanceMatrix, error) {
	tier1, err := r.Primary.Classify(m.Variants)
	if err != nil {
		return nil, nil, errors.Wrap(err, "primary classifier")
	}

	var tier2 Taxonomy
	if r.Secondary != nil {
		retry := make([]string, 0, len(m.Variants))
		for _, v := range m.Variants {
			rec, ok := tier1[v]
			if ok && rec.Resolved(rankKingdom) && !rec.Resolved(rankPhylum) {
				retry = append(retry, v)
			}
		}
		if len(retry) > 0 {
			log.Infof("taxonomy: re-classifying %d variant(s) with unresolved phylum", len(retry))
			tier2, err = r.Secondary.Classify(retry)
			if err != nil {
				return nil, nil, errors.Wrap(err, "secondary classifier")
			}
		}
	}

	merged := mergeTaxonomies(tier1, tier2)
	filled := gapFill(merged, r.unclassifiedRoot())

	// final filter: retain the target domain only
	drop := make(map[string]bool)
	for v, rec := range filled {
		if len(rec.Ranks) == 0 || rec.Ranks[rankKingdom] != r.TargetDomain {
			drop[v] = true
		}
	}
	for v := range drop {
		delete(filled, v)
	}
	if len(drop) > 0 {
		log.Infof("taxonomy: %d variant(s) outside domain %s retired", len(drop), r.TargetDomain)
	}

	pruned := m.RemoveVariants(drop)
	if len(pruned.Variants) == 0 {
		return nil, nil, errors.Wrapf(ErrEmptyVariantTable, "no variants assigned to domain %s", r.TargetDomain)
	}
	return filled, pruned, nil
}

// mergeTaxonomies merges the tier-2 reclassifications onto the tier-1
// records, returning a new map. A tier-2 record fully replaces its
// tier-1 record only when tier 2 resolved the kingdom rank; otherwise
// the tier-1 record is kept. Each variant appears exactly once.
func mergeTaxonomies(tier1, tier2 Taxonomy) Taxonomy {
	out := make(Taxonomy, len(tier1))
	for v, rec := range tier1 {
		out[v] = rec.clone()
	}
	for v, rec := range tier2 {
		if _, ok := out[v]; !ok {
			// tier 2 only re-classifies tier-1 variants
			continue
		}
		if rec.Resolved(rankKingdom) {
			out[v] = rec.clone()
		}
	}
	return out
}

// gapFill replaces every unresolved rank with Unclassified_<nearest
// coarser resolved label>, scanning coarsest to finest. Labels
// propagate downward, never upward. Records with nothing resolved at
// all get the configured root label. Pure: returns a new map;
// re-applying it is a no-op.
func gapFill(t Taxonomy, rootLabel string) Taxonomy {
	out := make(Taxonomy, len(t))
	for v, rec := range t {
		filled := rec.clone()
		if len(filled.Ranks) < len(taxRanks) {
			ranks := make([]string, len(taxRanks))
			copy(ranks, filled.Ranks)
			filled.Ranks = ranks
		}

		lastResolved := ""
		for i, label := range filled.Ranks {
			if label == "" {
				if lastResolved == "" {
					filled.Ranks[i] = rootLabel
				} else {
					filled.Ranks[i] = unclassifiedPrefix + lastResolved
				}
				continue
			}
			if !strings.HasPrefix(label, unclassifiedPrefix) {
				lastResolved = label
			}
		}
		out[v] = filled
	}
	return out
}
