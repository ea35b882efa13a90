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
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seqio/fastx"
)

// SeqCount is one denoised unique sequence with its read abundance in
// one sample.
type SeqCount struct {
	Seq   string
	Count int
}

// ErrorModel is the learned error profile of one read orientation,
// shared by all samples of a run.
type ErrorModel struct {
	// mean per-base error probability over the training reads
	PerBaseError float64
	// a low-abundance sequence is absorbed into a distance-1 neighbor
	// at least this many fold more abundant
	MinFold int
}

// maximal number of reads used for error-model training
const errLearnMaxReads = 100000

// DenoiseStage collapses read-level sequencing errors into unique
// biological sequences per sample, one learned error model per
// orientation.
type DenoiseStage struct{}

// LearnErrors trains one error model across all samples of one
// orientation. Files are visited in randomized order: the model must
// not depend on sample order, and callers must not assume a stable
// iteration order across runs.
func (s *DenoiseStage) LearnErrors(files []string) (*ErrorModel, error) {
	shuffled := make([]string, len(files))
	copy(shuffled, files)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var sumErr float64
	var nBases int64
	var nReads int

	for _, file := range shuffled {
		if nReads >= errLearnMaxReads {
			break
		}
		reader, err := fastx.NewDefaultReader(file)
		if err != nil {
			return nil, errors.Wrap(err, file)
		}
		for nReads < errLearnMaxReads {
			record, err := reader.Read()
			if err != nil {
				if err == io.EOF {
					break
				}
				return nil, errors.Wrap(err, file)
			}
			for _, q := range record.Seq.Qual {
				sumErr += math.Pow(10, -float64(int(q)-33)/10)
				nBases++
			}
			nReads++
		}
	}

	model := &ErrorModel{PerBaseError: 0.001, MinFold: 2}
	if nBases > 0 {
		model.PerBaseError = sumErr / float64(nBases)
	}
	return model, nil
}

// DenoiseSample collapses the reads of one sample into unique
// sequences: exact dereplication, then absorption of low-abundance
// sequences into a Hamming-distance-1 neighbor sufficiently more
// abundant under the error model.
func (s *DenoiseStage) DenoiseSample(file string, model *ErrorModel) ([]SeqCount, error) {
	reader, err := fastx.NewDefaultReader(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}

	derep := make(map[string]int, 1024)
	for {
		record, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, file)
		}
		derep[string(record.Seq.Seq)]++
	}
	if len(derep) == 0 {
		return []SeqCount{}, nil
	}

	seqs := make([]SeqCount, 0, len(derep))
	for s, n := range derep {
		seqs = append(seqs, SeqCount{Seq: s, Count: n})
	}
	sortSeqCounts(seqs)

	// absorb singletons into a more abundant distance-1 neighbor;
	// without one they stay, a genuine rare sequence is not noise
	kept := seqs[:0]
	for i := len(seqs) - 1; i >= 0; i-- {
		sc := seqs[i]
		if sc.Count > 1 {
			continue
		}
		for j := range seqs {
			if seqs[j].Count >= model.MinFold*sc.Count && seqs[j].Seq != sc.Seq &&
				hammingWithin(seqs[j].Seq, sc.Seq, 1) {
				seqs[j].Count += sc.Count
				seqs[i].Count = 0
				break
			}
		}
	}
	for _, sc := range seqs {
		if sc.Count > 0 {
			kept = append(kept, sc)
		}
	}
	out := make([]SeqCount, len(kept))
	copy(out, kept)
	sortSeqCounts(out)
	return out, nil
}

// Run denoises every sample of one orientation and records the
// unique-sequence counts under the given stage name.
func (s *DenoiseStage) Run(files map[string]string, sampleOrder []string, stage string,
	tracker *StageTracker) (map[string][]SeqCount, error) {

	ordered := make([]string, 0, len(sampleOrder))
	for _, id := range sampleOrder {
		if f, ok := files[id]; ok && f != "" {
			ordered = append(ordered, f)
		}
	}
	model, err := s.LearnErrors(ordered)
	if err != nil {
		return nil, errors.Wrap(err, "error-model learning")
	}
	log.Infof("denoising (%s): learned per-base error rate: %.2e", stage, model.PerBaseError)

	out := make(map[string][]SeqCount, len(files))
	for _, id := range sampleOrder {
		file, ok := files[id]
		if !ok || file == "" {
			continue
		}
		seqs, err := s.DenoiseSample(file, model)
		if err != nil {
			return nil, errors.Wrapf(err, "denoising sample %s", id)
		}
		tracker.Record(id, stage, totalCount(seqs))
		out[id] = seqs
	}
	return out, nil
}

func sortSeqCounts(seqs []SeqCount) {
	sort.SliceStable(seqs, func(i, j int) bool {
		if seqs[i].Count != seqs[j].Count {
			return seqs[i].Count > seqs[j].Count
		}
		return seqs[i].Seq < seqs[j].Seq
	})
}

func totalCount(seqs []SeqCount) int {
	var n int
	for _, sc := range seqs {
		n += sc.Count
	}
	return n
}

// hammingWithin reports whether two equal-length sequences differ at no
// more than max positions.
func hammingWithin(a, b string, max int) bool {
	if len(a) != len(b) {
		return false
	}
	var d int
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			d++
			if d > max {
				return false
			}
		}
	}
	return true
}
