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
	"regexp"
	"strings"
)

// Sample binds a canonical sample identifier to its read files.
// The identifier is the base-name token before the first underscore,
// e.g. S101 for S101_Bac_16S_R1_001.fastq.gz.
type Sample struct {
	ID      string
	Forward string
	Reverse string // empty in single-end mode

	// set from the metadata table, negative extraction/PCR control
	Negative bool
}

// SampleRegistry holds the samples of one run in a deterministic order.
type SampleRegistry struct {
	Samples []*Sample
	Paired  bool
}

// SampleMismatchError reports forward/reverse read file lists that can
// not be paired by position.
type SampleMismatchError struct {
	NumForward int
	NumReverse int
	Detail     string
}

func (e *SampleMismatchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("sample registry: %s", e.Detail)
	}
	return fmt.Sprintf("sample registry: %d forward file(s) but %d reverse file(s)",
		e.NumForward, e.NumReverse)
}

// NewSampleRegistry scans dir for read files matching the forward and
// reverse patterns. Both lists are sorted lexicographically on the full
// path, which pairs forward and reverse files of the same sample by
// position. In single-end mode the reverse pattern is ignored.
func NewSampleRegistry(dir string, patternF, patternR string, singleEnd bool, threads int) (*SampleRegistry, error) {
	reF, err := regexp.Compile(patternF)
	if err != nil {
		return nil, fmt.Errorf("invalid forward read pattern: %s", patternF)
	}

	filesF, err := getFileListFromDir(dir, reF, threads)
	if err != nil {
		return nil, err
	}
	if len(filesF) == 0 {
		return nil, fmt.Errorf("no read files matching %s found in: %s", patternF, dir)
	}

	reg := &SampleRegistry{
		Samples: make([]*Sample, 0, len(filesF)),
		Paired:  !singleEnd,
	}

	if singleEnd {
		for _, f := range filesF {
			reg.Samples = append(reg.Samples, &Sample{ID: sampleID(f), Forward: f})
		}
		return reg, checkUniqueIDs(reg.Samples)
	}

	reR, err := regexp.Compile(patternR)
	if err != nil {
		return nil, fmt.Errorf("invalid reverse read pattern: %s", patternR)
	}
	filesR, err := getFileListFromDir(dir, reR, threads)
	if err != nil {
		return nil, err
	}

	if len(filesF) != len(filesR) {
		return nil, &SampleMismatchError{NumForward: len(filesF), NumReverse: len(filesR)}
	}

	for i, f := range filesF {
		r := filesR[i]
		idF, idR := sampleID(f), sampleID(r)
		if idF != idR {
			return nil, &SampleMismatchError{
				NumForward: len(filesF),
				NumReverse: len(filesR),
				Detail:     fmt.Sprintf("file pair %d derives different sample IDs: %s vs %s", i+1, idF, idR),
			}
		}
		reg.Samples = append(reg.Samples, &Sample{ID: idF, Forward: f, Reverse: r})
	}
	return reg, checkUniqueIDs(reg.Samples)
}

// IDs returns the sample identifiers in registry order.
func (r *SampleRegistry) IDs() []string {
	ids := make([]string, len(r.Samples))
	for i, s := range r.Samples {
		ids[i] = s.ID
	}
	return ids
}

func sampleID(file string) string {
	base := filepath.Base(file)
	if i := strings.Index(base, "_"); i > 0 {
		return base[:i]
	}
	// no separator, fall back to the name without extensions
	for _, ext := range []string{".gz", ".fastq", ".fq"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func checkUniqueIDs(samples []*Sample) error {
	seen := make(map[string]string, len(samples))
	for _, s := range samples {
		if prev, ok := seen[s.ID]; ok {
			return &SampleMismatchError{
				Detail: fmt.Sprintf("duplicated sample ID %s from %s and %s", s.ID, prev, s.Forward),
			}
		}
		seen[s.ID] = s.Forward
	}
	return nil
}
