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
	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seq"
)

// MergeStage aligns denoised forward sequences with the reverse
// complement of denoised reverse sequences, requiring an exact overlap.
// Paired-end runs only; in single-end mode the denoised forward set is
// used as the merged set directly.
type MergeStage struct {
	MinOverlap  int     // minimal overlap length, default 12
	MaxMismatch int     // allowed mismatches in the overlap, default 0
	WarnRate    float64 // warn when a sample merges less than this fraction of reads
}

// Run merges every sample and records the merged read counts. Samples
// below the merge-success threshold are flagged for review, never
// dropped.
func (s *MergeStage) Run(fwd, rev map[string][]SeqCount, sampleOrder []string,
	tracker *StageTracker) (map[string][]SeqCount, error) {

	out := make(map[string][]SeqCount, len(fwd))
	for _, id := range sampleOrder {
		fseqs, ok := fwd[id]
		if !ok {
			continue
		}
		merged, err := s.mergeSample(fseqs, rev[id])
		if err != nil {
			return nil, errors.Wrapf(err, "merging sample %s", id)
		}

		nIn := totalCount(fseqs)
		nMerged := totalCount(merged)
		tracker.Record(id, StageMerged, nMerged)
		if nIn > 0 && float64(nMerged)/float64(nIn) < s.WarnRate {
			log.Warningf("merge stage: sample %s merged only %d of %d reads, review overlap settings",
				id, nMerged, nIn)
		}
		out[id] = merged
	}
	return out, nil
}

func (s *MergeStage) mergeSample(fwd, rev []SeqCount) ([]SeqCount, error) {
	if len(fwd) == 0 || len(rev) == 0 {
		return []SeqCount{}, nil
	}

	// reverse complement the reverse-orientation sequences once
	rcs := make([]string, len(rev))
	for i, sc := range rev {
		rc, err := revComp(sc.Seq)
		if err != nil {
			return nil, err
		}
		rcs[i] = rc
	}

	merged := make(map[string]int, len(fwd))
	used := make([]bool, len(rev))
	for _, f := range fwd {
		best := -1
		bestOv := 0
		for j := range rcs {
			if used[j] {
				continue
			}
			if ov := overlapLength(f.Seq, rcs[j], s.MinOverlap, s.MaxMismatch); ov > bestOv {
				best, bestOv = j, ov
			}
		}
		if best < 0 {
			continue
		}
		used[best] = true
		m := f.Seq + rcs[best][bestOv:]
		merged[m] += minInt(f.Count, rev[best].Count)
	}

	out := make([]SeqCount, 0, len(merged))
	for sq, n := range merged {
		out = append(out, SeqCount{Seq: sq, Count: n})
	}
	sortSeqCounts(out)
	return out, nil
}

// overlapLength returns the longest overlap of at least minOverlap
// bases between the tail of f and the head of r with at most
// maxMismatch mismatches, or 0 when none exists.
func overlapLength(f, r string, minOverlap, maxMismatch int) int {
	for ov := minInt(len(f), len(r)); ov >= minOverlap; ov-- {
		mm := 0
		ok := true
		for i := 0; i < ov; i++ {
			if f[len(f)-ov+i] != r[i] {
				mm++
				if mm > maxMismatch {
					ok = false
					break
				}
			}
		}
		if ok {
			return ov
		}
	}
	return 0
}

func revComp(s string) (string, error) {
	sq, err := seq.NewSeq(seq.DNAredundant, []byte(s))
	if err != nil {
		return "", err
	}
	return string(sq.RevCom().Seq), nil
}
