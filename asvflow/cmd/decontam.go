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
	"github.com/shenwei356/breader"
)

// SampleMetadata is the per-sample metadata table: one row per sample
// with its negative-control flag.
type SampleMetadata struct {
	Order    []string
	Negative map[string]bool
}

type metaRow struct {
	id  string
	neg bool
}

// loadMetadata parses a delimited metadata table with a sample column
// and a boolean-like negative column. A header row is recognized and
// skipped.
func loadMetadata(file string, threads int) (*SampleMetadata, error) {
	fn := func(line string) (interface{}, bool, error) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" || line[0] == '#' {
			return nil, false, nil
		}
		fields := strings.Split(line, "\t")
		if len(fields) == 1 {
			fields = strings.Split(line, ",")
		}
		if len(fields) < 2 {
			return nil, false, errors.Errorf("metadata: need at least 2 columns: %s", line)
		}
		id := strings.TrimSpace(fields[0])
		val := strings.TrimSpace(fields[len(fields)-1])
		if strings.EqualFold(id, "sample") || strings.EqualFold(val, "negative") {
			return nil, false, nil // header
		}
		neg, ok := parseBoolLike(val)
		if !ok {
			return nil, false, errors.Errorf("metadata: invalid negative flag %q for sample %s", val, id)
		}
		return metaRow{id: id, neg: neg}, true, nil
	}

	reader, err := breader.NewBufferedReader(file, threads, 100, fn)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}

	meta := &SampleMetadata{
		Order:    make([]string, 0, 64),
		Negative: make(map[string]bool, 64),
	}
	for chunk := range reader.Ch {
		if chunk.Err != nil {
			return nil, errors.Wrap(chunk.Err, file)
		}
		for _, data := range chunk.Data {
			row := data.(metaRow)
			if _, ok := meta.Negative[row.id]; ok {
				return nil, errors.Errorf("metadata: duplicated sample: %s", row.id)
			}
			meta.Order = append(meta.Order, row.id)
			meta.Negative[row.id] = row.neg
		}
	}
	if len(meta.Order) == 0 {
		return nil, errors.Errorf("metadata: no sample rows in: %s", file)
	}
	return meta, nil
}

func parseBoolLike(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "t", "1", "yes", "y":
		return true, true
	case "false", "f", "0", "no", "n":
		return false, true
	}
	return false, false
}

// RemoveSamples returns a new metadata table without the given
// samples.
func (m *SampleMetadata) RemoveSamples(drop map[string]bool) *SampleMetadata {
	out := &SampleMetadata{
		Order:    make([]string, 0, len(m.Order)),
		Negative: make(map[string]bool, len(m.Order)),
	}
	for _, id := range m.Order {
		if drop[id] {
			continue
		}
		out.Order = append(out.Order, id)
		out.Negative[id] = m.Negative[id]
	}
	return out
}

// prevalenceScore is the prevalence-method statistic of one variant:
// the presence fraction among negative controls over the summed
// presence fractions of both groups, in [0, 1]. A variant seen only in
// controls scores 1.
func prevalenceScore(m *AbundanceMatrix, variant string, meta *SampleMetadata) float64 {
	var nNeg, nTrue, presentNeg, presentTrue int
	for i, id := range m.Samples {
		j := m.vidx[variant]
		if meta.Negative[id] {
			nNeg++
			if m.Counts[i][j] > 0 {
				presentNeg++
			}
		} else {
			nTrue++
			if m.Counts[i][j] > 0 {
				presentTrue++
			}
		}
	}
	if nNeg == 0 {
		return 0
	}
	fNeg := float64(presentNeg) / float64(nNeg)
	var fTrue float64
	if nTrue > 0 {
		fTrue = float64(presentTrue) / float64(nTrue)
	}
	if fNeg+fTrue == 0 {
		return 0
	}
	return fNeg / (fNeg + fTrue)
}

// RemoveContaminants flags variants whose prevalence statistic exceeds
// the threshold, removes them from the matrix and taxonomy, then
// removes the negative-control samples from matrix and metadata. All
// three tables stay synchronized; the surviving variant sets are
// identical.
func RemoveContaminants(m *AbundanceMatrix, tax Taxonomy, meta *SampleMetadata,
	threshold float64) (*AbundanceMatrix, Taxonomy, *SampleMetadata, []string, error) {

	contaminants := make(map[string]bool)
	flagged := make([]string, 0, 8)
	for _, v := range m.Variants {
		if prevalenceScore(m, v, meta) > threshold {
			contaminants[v] = true
			flagged = append(flagged, v)
		}
	}

	pruned := m.RemoveVariants(contaminants)

	controls := make(map[string]bool)
	for _, id := range pruned.Samples {
		if meta.Negative[id] {
			controls[id] = true
		}
	}
	pruned = pruned.RemoveSamples(controls)
	if len(pruned.Variants) == 0 {
		return nil, nil, nil, flagged, errors.Wrap(ErrEmptyVariantTable, "contaminant removal")
	}

	outTax := make(Taxonomy, len(pruned.Variants))
	for _, v := range pruned.Variants {
		if rec, ok := tax[v]; ok {
			outTax[v] = rec.clone()
		}
	}
	outMeta := meta.RemoveSamples(controls)

	if len(flagged) > 0 {
		log.Infof("decontam: %d contaminant variant(s) removed at threshold %.2f", len(flagged), threshold)
	}
	if len(controls) > 0 {
		log.Infof("decontam: %d negative-control sample(s) removed", len(controls))
	}
	return pruned, outTax, outMeta, flagged, nil
}
