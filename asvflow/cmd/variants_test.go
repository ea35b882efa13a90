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
	"reflect"
	"strings"
	"testing"

	"github.com/shenwei356/go-logging"
)

func TestBuildVariantTable(t *testing.T) {
	merged := map[string][]SeqCount{
		"s1": {{Seq: "AAAA", Count: 10}, {Seq: "CCCC", Count: 5}},
		"s2": {{Seq: "CCCC", Count: 7}},
		"s3": {},
	}
	m, err := BuildVariantTable(merged, []string{"s1", "s2", "s3"})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := m.Variants, []string{"AAAA", "CCCC"}; !reflect.DeepEqual(got, want) {
		t.Errorf("variants: got %v, want %v", got, want)
	}
	if got := m.Get("s2", "CCCC"); got != 7 {
		t.Errorf("s2/CCCC: got %d, want 7", got)
	}
	if got := m.SampleTotal("s3"); got != 0 {
		t.Errorf("empty sample total: got %d, want 0", got)
	}
	// every variant column carries abundance somewhere
	for _, v := range m.Variants {
		if m.VariantTotal(v) == 0 {
			t.Errorf("all-zero variant column: %s", v)
		}
	}
}

func TestBuildVariantTableEmpty(t *testing.T) {
	_, err := BuildVariantTable(map[string][]SeqCount{"s1": {}}, []string{"s1"})
	if !errors.Is(err, ErrEmptyVariantTable) {
		t.Fatalf("expected ErrEmptyVariantTable, got %v", err)
	}
}

func TestRemoveSamplesRetiresEmptyColumns(t *testing.T) {
	merged := map[string][]SeqCount{
		"s1": {{Seq: "AAAA", Count: 3}},
		"s2": {{Seq: "TTTT", Count: 4}},
	}
	m, err := BuildVariantTable(merged, []string{"s1", "s2"})
	if err != nil {
		t.Fatal(err)
	}
	pruned := m.RemoveSamples(map[string]bool{"s2": true})
	if got, want := pruned.Variants, []string{"AAAA"}; !reflect.DeepEqual(got, want) {
		t.Errorf("variants: got %v, want %v", got, want)
	}
	if got, want := pruned.Samples, []string{"s1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("samples: got %v, want %v", got, want)
	}
}

// a bimera of a 40-base prefix of one more-abundant variant and a
// 40-base suffix of another must be removed even when it shows up
// independently in several samples
func TestRemoveChimerasBimera(t *testing.T) {
	a := strings.Repeat("ACGT", 20) // abundance 100
	b := strings.Repeat("GTCA", 20) // abundance 80
	c := a[:40] + b[40:]            // abundance 3, across 3 samples

	merged := map[string][]SeqCount{
		"s1": {{Seq: a, Count: 100}, {Seq: b, Count: 80}, {Seq: c, Count: 1}},
		"s2": {{Seq: c, Count: 1}},
		"s3": {{Seq: c, Count: 1}},
	}
	m, err := BuildVariantTable(merged, []string{"s1", "s2", "s3"})
	if err != nil {
		t.Fatal(err)
	}

	pruned, frac, err := m.RemoveChimeras()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range pruned.Variants {
		if v == c {
			t.Fatal("bimera survived chimera removal")
		}
	}
	if got, want := len(pruned.Variants), 2; got != want {
		t.Errorf("variants: got %d, want %d", got, want)
	}
	if want := float64(180) / 183; frac < want-1e-9 || frac > want+1e-9 {
		t.Errorf("retained fraction: got %f, want %f", frac, want)
	}
}

// losing more than a quarter of the abundance to chimeras is
// warning-grade, not a plain info line
func TestRemoveChimerasWarnsOnHighLoss(t *testing.T) {
	backend := logging.InitForTesting(logging.WARNING)
	defer logging.Reset()

	a := strings.Repeat("ACGT", 20)
	b := strings.Repeat("GTCA", 20)
	c := a[:40] + b[40:]

	// the bimera carries well over a quarter of all reads
	merged := map[string][]SeqCount{
		"s1": {{Seq: a, Count: 40}, {Seq: b, Count: 30}, {Seq: c, Count: 25}},
	}
	m, err := BuildVariantTable(merged, []string{"s1"})
	if err != nil {
		t.Fatal(err)
	}
	_, frac, err := m.RemoveChimeras()
	if err != nil {
		t.Fatal(err)
	}
	if frac >= chimeraWarnRetained {
		t.Fatalf("fixture does not cross the warning threshold: %f", frac)
	}

	warned := false
	for node := backend.Head(); node != nil; node = node.Next() {
		if node.Record.Level == logging.WARNING &&
			strings.Contains(node.Record.Message(), "chimera removal") {
			warned = true
		}
	}
	if !warned {
		t.Error("no warning logged for a high chimeric fraction")
	}
}

func TestRemoveChimerasKeepsParents(t *testing.T) {
	a := strings.Repeat("ACGT", 20)
	b := strings.Repeat("GTCA", 20)
	merged := map[string][]SeqCount{
		"s1": {{Seq: a, Count: 10}, {Seq: b, Count: 8}},
	}
	m, err := BuildVariantTable(merged, []string{"s1"})
	if err != nil {
		t.Fatal(err)
	}
	pruned, frac, err := m.RemoveChimeras()
	if err != nil {
		t.Fatal(err)
	}
	if len(pruned.Variants) != 2 {
		t.Errorf("non-chimeric variants were removed: %d left", len(pruned.Variants))
	}
	if frac != 1.0 {
		t.Errorf("retained fraction: got %f, want 1.0", frac)
	}
}
