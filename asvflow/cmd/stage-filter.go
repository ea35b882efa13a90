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
	"bytes"
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/shenwei356/xopen"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// FilterIOError reports unreadable input files of one sample. Fatal to
// the run: a missing file means the registry and the sequencing
// delivery disagree.
type FilterIOError struct {
	File string
	Err  error
}

func (e *FilterIOError) Error() string {
	return fmt.Sprintf("filter stage: fail to read %s: %s", e.File, e.Err)
}

func (e *FilterIOError) Unwrap() error { return e.Err }

// first 60 bases of the phiX174 genome, spike-in control of Illumina
// sequencing runs
var phixMarker = []byte("GAGTTTTATCGCTTCCATGACGCAGAAGTTAACACTTTCGGATATTTCTGATGAGTCGAA")

// FilterStage trims primers, truncates and quality-filters the raw
// reads of every sample, writing filtered fastq files under OutDir.
// The parameter profile is fixed at construction time by the domain
// tag.
type FilterStage struct {
	Profile FilterProfile
	OutDir  string
	Paired  bool
}

func NewFilterStage(domain, profileFile, outDir string, paired bool) (*FilterStage, error) {
	profile, err := lookupProfile(domain, profileFile)
	if err != nil {
		return nil, err
	}
	return &FilterStage{Profile: profile, OutDir: outDir, Paired: paired}, nil
}

// Run filters all samples of the registry and records the input and
// filtered counts. A sample losing all its reads stays in the registry
// with count zero; downstream stages tolerate empty samples.
func (s *FilterStage) Run(reg *SampleRegistry, tracker *StageTracker, opt *Options) (map[string][2]string, error) {
	filtered := make(map[string][2]string, len(reg.Samples))

	var pbs *mpb.Progress
	var bar *mpb.Bar
	if opt.Verbose {
		pbs = mpb.New(mpb.WithWidth(60))
		bar = pbs.AddBar(int64(len(reg.Samples)),
			mpb.BarStyle("[=>-]<+"),
			mpb.PrependDecorators(
				decor.Name("filtering sample: "),
				decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}

	for _, sample := range reg.Samples {
		outF := filepath.Join(s.OutDir, sample.ID+"_R1_filt.fastq.gz")
		var outR string
		if s.Paired {
			outR = filepath.Join(s.OutDir, sample.ID+"_R2_filt.fastq.gz")
		}

		nIn, nOut, err := s.filterSample(sample, outF, outR)
		if err != nil {
			return nil, err
		}

		tracker.Record(sample.ID, StageInput, nIn)
		tracker.Record(sample.ID, StageFiltered, nOut)
		if nOut == 0 {
			log.Warningf("filter stage: no reads of sample %s passed, keeping empty sample", sample.ID)
		}
		filtered[sample.ID] = [2]string{outF, outR}

		if bar != nil {
			bar.Increment()
		}
	}
	if pbs != nil {
		pbs.Wait()
	}
	return filtered, nil
}

func (s *FilterStage) filterSample(sample *Sample, outF, outR string) (int, int, error) {
	p := s.Profile

	readerF, err := fastx.NewDefaultReader(sample.Forward)
	if err != nil {
		return 0, 0, &FilterIOError{File: sample.Forward, Err: err}
	}

	var readerR *fastx.Reader
	if s.Paired {
		readerR, err = fastx.NewDefaultReader(sample.Reverse)
		if err != nil {
			return 0, 0, &FilterIOError{File: sample.Reverse, Err: err}
		}
	}

	outfhF, err := xopen.Wopen(outF)
	if err != nil {
		return 0, 0, err
	}
	defer outfhF.Close()

	var outfhR *xopen.Writer
	if s.Paired {
		outfhR, err = xopen.Wopen(outR)
		if err != nil {
			return 0, 0, err
		}
		defer outfhR.Close()
	}

	var nIn, nOut int
	for {
		recF, err := readerF.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nIn, nOut, &FilterIOError{File: sample.Forward, Err: err}
		}

		var recR *fastx.Record
		if s.Paired {
			recR, err = readerR.Read()
			if err != nil {
				if err == io.EOF {
					return nIn, nOut, &FilterIOError{File: sample.Reverse,
						Err: fmt.Errorf("fewer reads than in %s", sample.Forward)}
				}
				return nIn, nOut, &FilterIOError{File: sample.Reverse, Err: err}
			}
		}
		nIn++

		if !trimRead(recF, p.TrimLeft[0], p.TruncLen[0], p.TruncQ) {
			continue
		}
		if !passRead(recF, p.MaxN, p.MaxEE[0], p.RemovePhiX) {
			continue
		}
		if s.Paired {
			if !trimRead(recR, p.TrimLeft[1], p.TruncLen[1], p.TruncQ) {
				continue
			}
			if !passRead(recR, p.MaxN, p.MaxEE[1], p.RemovePhiX) {
				continue
			}
		}

		recF.FormatToWriter(outfhF, 0)
		if s.Paired {
			recR.FormatToWriter(outfhR, 0)
		}
		nOut++
	}

	return nIn, nOut, nil
}

// trimRead removes the primer, truncates at the first base below
// truncQ, and cuts the read to the fixed truncation length. Reads too
// short for the truncation length are rejected.
func trimRead(rec *fastx.Record, trimLeft, truncLen, truncQ int) bool {
	sq := rec.Seq
	if len(sq.Seq) <= trimLeft {
		return false
	}
	sq.Seq = sq.Seq[trimLeft:]
	if len(sq.Qual) > trimLeft {
		sq.Qual = sq.Qual[trimLeft:]
	}

	if truncQ > 0 && len(sq.Qual) > 0 {
		for i, q := range sq.Qual {
			if int(q)-33 < truncQ {
				sq.Seq = sq.Seq[:i]
				sq.Qual = sq.Qual[:i]
				break
			}
		}
	}

	if truncLen > 0 {
		if len(sq.Seq) < truncLen {
			return false
		}
		sq.Seq = sq.Seq[:truncLen]
		if len(sq.Qual) >= truncLen {
			sq.Qual = sq.Qual[:truncLen]
		}
	}
	return true
}

// passRead applies the shared thresholds: ambiguous bases, expected
// errors, and the phiX spike-in screen.
func passRead(rec *fastx.Record, maxN int, maxEE float64, removePhiX bool) bool {
	nN := 0
	for _, b := range rec.Seq.Seq {
		if b == 'N' || b == 'n' {
			nN++
		}
	}
	if nN > maxN {
		return false
	}

	if maxEE > 0 && len(rec.Seq.Qual) > 0 {
		if expectedErrors(rec.Seq.Qual) > maxEE {
			return false
		}
	}

	if removePhiX && bytes.Contains(rec.Seq.Seq, phixMarker) {
		return false
	}
	return true
}

// expectedErrors sums the per-base error probabilities of a Phred+33
// quality string.
func expectedErrors(qual []byte) float64 {
	var ee float64
	for _, q := range qual {
		ee += math.Pow(10, -float64(int(q)-33)/10)
	}
	return ee
}
