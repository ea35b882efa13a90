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

	prettytable "github.com/tatsushid/go-prettytable"
)

// pipeline stage names, in execution order. Single-end runs skip
// StageDenoisedRev and StageMerged.
const (
	StageInput       = "input"
	StageFiltered    = "filtered"
	StageDenoisedFwd = "denoised-fwd"
	StageDenoisedRev = "denoised-rev"
	StageMerged      = "merged"
	StageNonChimeric = "nonchimeric"
	StageFinal       = "final"
)

func stageOrder(paired bool) []string {
	if paired {
		return []string{
			StageInput, StageFiltered, StageDenoisedFwd, StageDenoisedRev,
			StageMerged, StageNonChimeric, StageFinal,
		}
	}
	return []string{StageInput, StageFiltered, StageDenoisedFwd, StageNonChimeric, StageFinal}
}

// StageTracker accumulates one read/variant count per sample per
// pipeline stage. Tracking is diagnostic only: anomalies are logged,
// never fatal.
type StageTracker struct {
	stages   []string
	stageIdx map[string]int

	samples []string
	counts  map[string][]int // sample -> count per stage, -1 when unrecorded
}

// TrackTable is the dense per-sample accounting emitted by Finalize.
type TrackTable struct {
	Stages  []string
	Samples []string
	Counts  [][]int // row per sample, column per stage
}

func NewStageTracker(stages []string) *StageTracker {
	idx := make(map[string]int, len(stages))
	for i, s := range stages {
		idx[s] = i
	}
	return &StageTracker{
		stages:   stages,
		stageIdx: idx,
		samples:  make([]string, 0, 64),
		counts:   make(map[string][]int, 64),
	}
}

// Record appends the count of one sample at one stage. A count larger
// than the sample's last recorded count breaks the monotonic
// non-increase expectation and is logged as a warning.
func (t *StageTracker) Record(sample, stage string, count int) {
	i, ok := t.stageIdx[stage]
	if !ok {
		log.Warningf("stage tracker: unknown stage: %s", stage)
		return
	}

	row, ok := t.counts[sample]
	if !ok {
		row = make([]int, len(t.stages))
		for j := range row {
			row[j] = -1
		}
		t.counts[sample] = row
		t.samples = append(t.samples, sample)
	}

	for j := i - 1; j >= 0; j-- {
		if row[j] >= 0 {
			if count > row[j] {
				log.Warningf("stage tracker: %s: count increased from %d (%s) to %d (%s)",
					sample, row[j], t.stages[j], count, stage)
			}
			break
		}
	}
	row[i] = count
}

// Finalize emits the dense accounting table in pipeline order. A sample
// missing a later-stage count simply stopped contributing reads; the
// gap is filled with zero.
func (t *StageTracker) Finalize() *TrackTable {
	tbl := &TrackTable{
		Stages:  t.stages,
		Samples: t.samples,
		Counts:  make([][]int, len(t.samples)),
	}
	for i, sample := range t.samples {
		row := make([]int, len(t.stages))
		copy(row, t.counts[sample])
		for j, v := range row {
			if v < 0 {
				row[j] = 0
			}
		}
		tbl.Counts[i] = row
	}
	return tbl
}

// WriteTSV writes the accounting table keyed by sample ID.
func (tb *TrackTable) WriteTSV(file string, gzipped bool, level int) error {
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

	outfh.WriteString("sample")
	for _, s := range tb.Stages {
		outfh.WriteString("\t" + s)
	}
	outfh.WriteString("\n")
	for i, sample := range tb.Samples {
		outfh.WriteString(sample)
		for _, v := range tb.Counts[i] {
			fmt.Fprintf(outfh, "\t%d", v)
		}
		outfh.WriteString("\n")
	}
	return nil
}

// Render formats the accounting table for the log.
func (tb *TrackTable) Render() string {
	columns := make([]prettytable.Column, 0, len(tb.Stages)+1)
	columns = append(columns, prettytable.Column{Header: "sample"})
	for _, s := range tb.Stages {
		columns = append(columns, prettytable.Column{Header: s, AlignRight: true})
	}
	tbl, err := prettytable.NewTable(columns...)
	if err != nil {
		return ""
	}
	tbl.Separator = "  "

	for i, sample := range tb.Samples {
		vals := make([]interface{}, 0, len(tb.Stages)+1)
		vals = append(vals, sample)
		for _, v := range tb.Counts[i] {
			vals = append(vals, v)
		}
		tbl.AddRow(vals...)
	}
	return tbl.String()
}
