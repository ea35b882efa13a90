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
	"testing"
)

func TestOverlapLength(t *testing.T) {
	tests := []struct {
		name        string
		f, r        string
		minOverlap  int
		maxMismatch int
		want        int
	}{
		{"exact 12", "ACGGTTCAAGGCTTACGG", "CAAGGCTTACGGATCCAA", 12, 0, 12},
		{"below minimum", "ACGGTTCAAGGCTTACGG", "ACGGATCCAATT", 12, 0, 0},
		{"no overlap at all", "AAAAAAAAAAAA", "CCCCCCCCCCCC", 4, 0, 0},
		{"one mismatch rejected", "ACGGTTCAAGGCTTACGG", "CAAGGCTTACGTATCCAA", 12, 0, 0},
		{"one mismatch tolerated", "ACGGTTCAAGGCTTACGG", "CAAGGCTTACGTATCCAA", 12, 1, 12},
		{"full containment", "ACGTACGT", "ACGTACGT", 4, 0, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := overlapLength(tt.f, tt.r, tt.minOverlap, tt.maxMismatch); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRevComp(t *testing.T) {
	got, err := revComp("CAAGGCTTACGGATCCAA")
	if err != nil {
		t.Fatal(err)
	}
	if want := "TTGGATCCGTAAGCCTTG"; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMergeSample(t *testing.T) {
	// amplicon split into a forward read and a reverse read sharing a
	// 12-base overlap
	amplicon := "ACGGTTCAAGGCTTACGGATCCAA"
	fwdSeq := amplicon[:18]
	revSeq, err := revComp(amplicon[6:])
	if err != nil {
		t.Fatal(err)
	}

	s := &MergeStage{MinOverlap: 12, MaxMismatch: 0, WarnRate: 0.75}
	merged, err := s.mergeSample(
		[]SeqCount{{Seq: fwdSeq, Count: 7}},
		[]SeqCount{{Seq: revSeq, Count: 5}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 1 {
		t.Fatalf("got %d merged sequences, want 1", len(merged))
	}
	if merged[0].Seq != amplicon {
		t.Errorf("merged sequence: got %s, want %s", merged[0].Seq, amplicon)
	}
	// the merged count is the smaller of the pair
	if merged[0].Count != 5 {
		t.Errorf("merged count: got %d, want 5", merged[0].Count)
	}
}

func TestMergeSampleNoOverlap(t *testing.T) {
	s := &MergeStage{MinOverlap: 12, MaxMismatch: 0}
	merged, err := s.mergeSample(
		[]SeqCount{{Seq: "AAAACCCCAAAACCCC", Count: 3}},
		[]SeqCount{{Seq: "GGGGTTTTGGGGTTTT", Count: 3}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 0 {
		t.Errorf("unmergeable pair produced %d sequences", len(merged))
	}
}

func TestMergeRunRecordsCounts(t *testing.T) {
	amplicon := "ACGGTTCAAGGCTTACGGATCCAA"
	revSeq, err := revComp(amplicon[6:])
	if err != nil {
		t.Fatal(err)
	}

	tracker := NewStageTracker(stageOrder(true))
	s := &MergeStage{MinOverlap: 12, MaxMismatch: 0, WarnRate: 0.75}
	out, err := s.Run(
		map[string][]SeqCount{"s1": {{Seq: amplicon[:18], Count: 4}}},
		map[string][]SeqCount{"s1": {{Seq: revSeq, Count: 4}}},
		[]string{"s1"}, tracker,
	)
	if err != nil {
		t.Fatal(err)
	}
	if got := totalCount(out["s1"]); got != 4 {
		t.Errorf("merged total: got %d, want 4", got)
	}
	tbl := tracker.Finalize()
	mergedCol := -1
	for i, stage := range tbl.Stages {
		if stage == StageMerged {
			mergedCol = i
		}
	}
	if tbl.Counts[0][mergedCol] != 4 {
		t.Errorf("tracked merged count: got %d, want 4", tbl.Counts[0][mergedCol])
	}
}
