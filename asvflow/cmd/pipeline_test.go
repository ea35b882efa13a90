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
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// single-end run through every stage: filter, denoise, variant table,
// taxonomy, decontam and output assembly, with one negative control
// carrying a contaminant
func TestPipelineSingleEnd(t *testing.T) {
	dir := t.TempDir()
	inDir := filepath.Join(dir, "reads")
	outDir := filepath.Join(dir, "filtered")
	for _, d := range []string{inDir, outDir} {
		if err := os.MkdirAll(d, 0777); err != nil {
			t.Fatal(err)
		}
	}

	good := refSeq1[:20]
	contam := refSeq2[:20]
	qual := strings.Repeat("I", 20)

	reads := func(file string, counts map[string]int) {
		var rs [][2]string
		for sq, n := range counts {
			for i := 0; i < n; i++ {
				rs = append(rs, [2]string{sq, qual})
			}
		}
		writeFastq(t, filepath.Join(inDir, file), rs)
	}
	reads("s1_A_R1_001.fastq", map[string]int{good: 5, contam: 3})
	reads("s2_A_R1_001.fastq", map[string]int{good: 4})
	reads("neg_A_R1_001.fastq", map[string]int{contam: 2})

	registry, err := NewSampleRegistry(inDir, testPatternFwd, testPatternRev, true, 2)
	if err != nil {
		t.Fatal(err)
	}

	primary, err := NewKmerBootstrapClassifier(writeReference(t), 0.8)
	if err != nil {
		t.Fatal(err)
	}

	p := &Pipeline{
		Registry: registry,
		Meta: &SampleMetadata{
			Order:    []string{"s1", "s2", "neg"},
			Negative: map[string]bool{"s1": false, "s2": false, "neg": true},
		},
		Tracker: NewStageTracker(stageOrder(false)),
		Filter: &FilterStage{
			Profile: FilterProfile{
				Domain:     "Bacteria",
				TruncLen:   [2]int{20, 0},
				MaxEE:      [2]float64{2, 0},
				TruncQ:     2,
				MaxN:       0,
				RemovePhiX: true,
			},
			OutDir: outDir,
			Paired: false,
		},
		Denoise:           &DenoiseStage{},
		Resolver:          &TaxonomyResolver{Primary: primary, TargetDomain: "Bacteria"},
		DecontamThreshold: 0.5,
		SkipTree:          false,
	}

	results, track, err := p.Run(&Options{NumCPUs: 2, CompressionLevel: -1})
	if err != nil {
		t.Fatal(err)
	}

	// the contaminant and the control are gone, one variant remains
	if got, want := results.IDs, []string{"ASV1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ids: got %v, want %v", got, want)
	}
	if results.RepSeqs["ASV1"] != good {
		t.Errorf("ASV1 sequence: got %s, want %s", results.RepSeqs["ASV1"], good)
	}
	if got, want := results.Matrix.Samples, []string{"s1", "s2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("samples: got %v, want %v", got, want)
	}
	if got := results.Matrix.Get("s1", "ASV1"); got != 5 {
		t.Errorf("s1/ASV1: got %d, want 5", got)
	}
	if got := results.Tax["ASV1"].Ranks[rankPhylum]; got != "Firmicutes" {
		t.Errorf("ASV1 phylum: got %q, want Firmicutes", got)
	}
	// every gap-filled rank carries a label
	for i, label := range results.Tax["ASV1"].Ranks {
		if label == "" {
			t.Errorf("rank %s left empty", taxRanks[i])
		}
	}
	if results.Tree == nil {
		t.Fatal("phylogeny missing")
	}
	if err := results.Tree.CheckLeaves(results.IDs); err != nil {
		t.Errorf("tree leaves: %v", err)
	}

	// accounting covers all registered samples at the input stage
	if got, want := track.Samples, []string{"neg", "s1", "s2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("tracked samples: got %v, want %v", got, want)
	}
	for i, id := range track.Samples {
		var wantIn int
		switch id {
		case "s1":
			wantIn = 8
		case "s2":
			wantIn = 4
		case "neg":
			wantIn = 2
		}
		if track.Counts[i][0] != wantIn {
			t.Errorf("%s input count: got %d, want %d", id, track.Counts[i][0], wantIn)
		}
	}
}

// a sample without a metadata row aborts before any stage runs
func TestPipelineMissingMetadataRow(t *testing.T) {
	dir := t.TempDir()
	inDir := filepath.Join(dir, "reads")
	if err := os.MkdirAll(inDir, 0777); err != nil {
		t.Fatal(err)
	}
	writeFastq(t, filepath.Join(inDir, "s1_A_R1_001.fastq"),
		[][2]string{{refSeq1[:20], strings.Repeat("I", 20)}})

	registry, err := NewSampleRegistry(inDir, testPatternFwd, testPatternRev, true, 2)
	if err != nil {
		t.Fatal(err)
	}
	p := &Pipeline{
		Registry: registry,
		Meta:     &SampleMetadata{Order: []string{"other"}, Negative: map[string]bool{"other": false}},
		Tracker:  NewStageTracker(stageOrder(false)),
	}
	if _, _, err := p.Run(&Options{NumCPUs: 2}); err == nil {
		t.Fatal("expected an input error for the missing metadata row")
	}
}
