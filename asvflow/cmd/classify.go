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
	"io"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seqio/fastx"
)

// reference sequence with its semicolon-delimited lineage, e.g.
// >FJ362054 Bacteria;Proteobacteria;Gammaproteobacteria;...
type refEntry struct {
	id      string
	lineage []string
	kmers   map[uint64]struct{}
}

func loadReference(file string, k int) ([]*refEntry, error) {
	reader, err := fastx.NewDefaultReader(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	refs := make([]*refEntry, 0, 1024)
	for {
		record, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, file)
		}
		refs = append(refs, &refEntry{
			id:      string(record.ID),
			lineage: parseLineage(string(record.Name)),
			kmers:   kmerSet(string(record.Seq.Seq), k),
		})
	}
	if len(refs) == 0 {
		return nil, errors.Errorf("no reference sequences in: %s", file)
	}
	return refs, nil
}

// parseLineage extracts the rank labels from a FASTA header. The
// lineage is the part after the first space, semicolon-delimited,
// coarsest rank first; missing ranks stay unresolved.
func parseLineage(name string) []string {
	lineage := make([]string, len(taxRanks))
	i := strings.IndexAny(name, " \t")
	if i < 0 {
		return lineage
	}
	for j, label := range strings.Split(name[i+1:], ";") {
		if j >= len(taxRanks) {
			break
		}
		lineage[j] = strings.TrimSpace(label)
	}
	return lineage
}

// kmerSet returns the canonical-strand k-mer set of a sequence,
// skipping k-mers with ambiguous bases.
func kmerSet(s string, k int) map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(s))
	for _, code := range kmerList(s, k) {
		set[code] = struct{}{}
	}
	return set
}

func kmerList(s string, k int) []uint64 {
	if len(s) < k {
		return nil
	}
	codes := make([]uint64, 0, len(s)-k+1)
	var code uint64
	var valid int
	for i := 0; i < len(s); i++ {
		var b uint64
		switch s[i] {
		case 'A', 'a':
			b = 0
		case 'C', 'c':
			b = 1
		case 'G', 'g':
			b = 2
		case 'T', 't':
			b = 3
		default:
			code, valid = 0, 0
			continue
		}
		code = (code<<2 | b) & (1<<(2*uint(k)) - 1)
		valid++
		if valid >= k {
			codes = append(codes, code)
		}
	}
	return codes
}

// KmerBootstrapClassifier is the tier-1 classifier: a word-matching
// classifier with bootstrap confidence per rank, in the style of the
// RDP naive Bayesian classifier. Reverse-complement matching is
// enabled so read orientation does not matter.
type KmerBootstrapClassifier struct {
	K             int
	Bootstraps    int
	MinConfidence float64
	RevComp       bool

	refs []*refEntry
	seed int64
}

func NewKmerBootstrapClassifier(refFile string, minConfidence float64) (*KmerBootstrapClassifier, error) {
	c := &KmerBootstrapClassifier{
		K:             8,
		Bootstraps:    100,
		MinConfidence: minConfidence,
		RevComp:       true,
		seed:          1,
	}
	refs, err := loadReference(refFile, c.K)
	if err != nil {
		return nil, err
	}
	c.refs = refs
	return c, nil
}

// Classify assigns a rank tuple per query. Ranks whose bootstrap
// support falls below MinConfidence are left unresolved, as are all
// finer ranks below them. Deterministic for identical inputs.
func (c *KmerBootstrapClassifier) Classify(seqs []string) (Taxonomy, error) {
	rng := rand.New(rand.NewSource(c.seed))
	out := make(Taxonomy, len(seqs))
	for _, query := range seqs {
		out[query] = c.classifyOne(query, rng)
	}
	return out, nil
}

func (c *KmerBootstrapClassifier) classifyOne(query string, rng *rand.Rand) *TaxonomyRecord {
	rec := &TaxonomyRecord{Ranks: make([]string, len(taxRanks))}

	words := kmerList(query, c.K)
	if c.RevComp {
		if rc, err := revComp(query); err == nil {
			rcWords := kmerList(rc, c.K)
			if c.bestScore(rcWords) > c.bestScore(words) {
				words = rcWords
			}
		}
	}
	if len(words) == 0 {
		return rec
	}

	// one eighth of the query words per bootstrap round
	draw := maxInt(1, len(words)/8)
	votes := make([]map[string]int, len(taxRanks))
	for i := range votes {
		votes[i] = make(map[string]int, 8)
	}

	sample := make([]uint64, draw)
	for b := 0; b < c.Bootstraps; b++ {
		for i := range sample {
			sample[i] = words[rng.Intn(len(words))]
		}
		best := c.bestRef(sample)
		if best == nil {
			continue
		}
		for i, label := range best.lineage {
			if label != "" {
				votes[i][label]++
			}
		}
	}

	for i := range taxRanks {
		label, n := topVote(votes[i])
		conf := float64(n) / float64(c.Bootstraps)
		if label == "" || conf < c.MinConfidence {
			break // finer ranks stay unresolved too
		}
		rec.Ranks[i] = label
	}
	return rec
}

func (c *KmerBootstrapClassifier) bestRef(words []uint64) *refEntry {
	var best *refEntry
	bestScore := 0
	for _, ref := range c.refs {
		score := 0
		for _, w := range words {
			if _, ok := ref.kmers[w]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = ref, score
		}
	}
	return best
}

func (c *KmerBootstrapClassifier) bestScore(words []uint64) int {
	best := 0
	for _, ref := range c.refs {
		score := 0
		for _, w := range words {
			if _, ok := ref.kmers[w]; ok {
				score++
			}
		}
		if score > best {
			best = score
		}
	}
	return best
}

func topVote(votes map[string]int) (string, int) {
	var label string
	var n int
	for l, v := range votes {
		if v > n || (v == n && l < label) {
			label, n = l, v
		}
	}
	return label, n
}

// NearestNeighborClassifier is the tier-2 classifier: top-hit k-mer
// similarity against a narrower, domain-specific training set. A
// different statistical method than tier 1 on purpose: variants the
// bootstrap classifier left unresolved at phylum get a second opinion.
type NearestNeighborClassifier struct {
	K             int
	MinSimilarity float64

	refs []*refEntry
}

func NewNearestNeighborClassifier(trainingFile string, minSimilarity float64) (*NearestNeighborClassifier, error) {
	c := &NearestNeighborClassifier{K: 8, MinSimilarity: minSimilarity}
	refs, err := loadReference(trainingFile, c.K)
	if err != nil {
		return nil, err
	}
	c.refs = refs
	return c, nil
}

// Classify assigns each query the full lineage of its nearest training
// sequence when the similarity passes the threshold, and an entirely
// unresolved record otherwise.
func (c *NearestNeighborClassifier) Classify(seqs []string) (Taxonomy, error) {
	out := make(Taxonomy, len(seqs))
	for _, query := range seqs {
		rec := &TaxonomyRecord{Ranks: make([]string, len(taxRanks))}
		qset := kmerSet(query, c.K)

		var best *refEntry
		var bestSim float64
		for _, ref := range c.refs {
			sim := jaccard(qset, ref.kmers)
			if sim > bestSim {
				best, bestSim = ref, sim
			}
		}
		if best != nil && bestSim >= c.MinSimilarity {
			copy(rec.Ranks, best.lineage)
		}
		out[query] = rec
	}
	return out, nil
}

func jaccard(a, b map[uint64]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
