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
)

// Pipeline wires the stages in strict order: registry, filter,
// denoise, merge, variant table and chimera removal, taxonomy cascade,
// contaminant removal, phylogeny, output assembly. Each stage consumes
// its predecessor's tables and returns new ones; no stage keeps a
// mutable handle to a table it handed off.
type Pipeline struct {
	Registry *SampleRegistry
	Meta     *SampleMetadata
	Tracker  *StageTracker

	Filter   *FilterStage
	Denoise  *DenoiseStage
	Merge    *MergeStage
	Resolver *TaxonomyResolver

	DecontamThreshold float64
	SkipTree          bool
}

// checkInputs verifies that every registered sample has a metadata row
// and flags the negative controls. Input errors abort the run before
// any stage executes.
func (p *Pipeline) checkInputs() error {
	for _, sample := range p.Registry.Samples {
		neg, ok := p.Meta.Negative[sample.ID]
		if !ok {
			return errors.Errorf("metadata: no row for sample: %s", sample.ID)
		}
		sample.Negative = neg
	}
	// restrict the metadata table to registered samples
	known := make(map[string]bool, len(p.Registry.Samples))
	for _, sample := range p.Registry.Samples {
		known[sample.ID] = true
	}
	extra := make(map[string]bool)
	for _, id := range p.Meta.Order {
		if !known[id] {
			log.Warningf("metadata: sample %s has no read files, ignoring its row", id)
			extra[id] = true
		}
	}
	p.Meta = p.Meta.RemoveSamples(extra)
	return nil
}

// Run executes the pipeline end to end. The accounting table is
// returned even on failure; partial counts help debugging a failed
// stage but are not a valid result.
func (p *Pipeline) Run(opt *Options) (*Results, *TrackTable, error) {
	if err := p.checkInputs(); err != nil {
		return nil, nil, err
	}
	sampleOrder := p.Registry.IDs()

	// filter & trim
	filtered, err := p.Filter.Run(p.Registry, p.Tracker, opt)
	if err != nil {
		return nil, p.Tracker.Finalize(), errors.Wrap(err, "filter stage")
	}

	// denoise, one error model per orientation
	fwdFiles := make(map[string]string, len(filtered))
	revFiles := make(map[string]string, len(filtered))
	for id, pair := range filtered {
		fwdFiles[id] = pair[0]
		revFiles[id] = pair[1]
	}
	denoisedFwd, err := p.Denoise.Run(fwdFiles, sampleOrder, StageDenoisedFwd, p.Tracker)
	if err != nil {
		return nil, p.Tracker.Finalize(), errors.Wrap(err, "denoise stage")
	}

	var merged map[string][]SeqCount
	if p.Registry.Paired {
		denoisedRev, err := p.Denoise.Run(revFiles, sampleOrder, StageDenoisedRev, p.Tracker)
		if err != nil {
			return nil, p.Tracker.Finalize(), errors.Wrap(err, "denoise stage")
		}
		merged, err = p.Merge.Run(denoisedFwd, denoisedRev, sampleOrder, p.Tracker)
		if err != nil {
			return nil, p.Tracker.Finalize(), errors.Wrap(err, "merge stage")
		}
	} else {
		// single-end: the denoised forward set is the merged set
		merged = denoisedFwd
	}

	// variant table & chimera removal
	matrix, err := BuildVariantTable(merged, sampleOrder)
	if err != nil {
		return nil, p.Tracker.Finalize(), errors.Wrap(err, "variant table")
	}
	matrix, _, err = matrix.RemoveChimeras()
	if err != nil {
		return nil, p.Tracker.Finalize(), errors.Wrap(err, "chimera removal")
	}
	for _, id := range matrix.Samples {
		p.Tracker.Record(id, StageNonChimeric, matrix.SampleTotal(id))
	}

	// two-tier taxonomy cascade
	tax, matrix, err := p.Resolver.Resolve(matrix)
	if err != nil {
		return nil, p.Tracker.Finalize(), errors.Wrap(err, "taxonomy stage")
	}

	// contaminant and control removal
	matrix, tax, meta, _, err := RemoveContaminants(matrix, tax, p.Meta, p.DecontamThreshold)
	if err != nil {
		return nil, p.Tracker.Finalize(), errors.Wrap(err, "decontam stage")
	}
	for _, id := range matrix.Samples {
		p.Tracker.Record(id, StageFinal, matrix.SampleTotal(id))
	}

	// optional phylogeny
	var tree *PhyloTree
	if !p.SkipTree {
		seqs := make(map[string]string, len(matrix.Variants))
		for _, v := range matrix.Variants {
			seqs[v] = v
		}
		tree, err = BuildPhylogeny(matrix.Variants, seqs)
		if err != nil {
			return nil, p.Tracker.Finalize(), errors.Wrap(err, "phylogeny stage")
		}
		if err = tree.CheckLeaves(matrix.Variants); err != nil {
			return nil, p.Tracker.Finalize(), errors.Wrap(err, "phylogeny stage")
		}
	}

	results, err := AssembleOutputs(matrix, tax, meta, tree)
	if err != nil {
		return nil, p.Tracker.Finalize(), errors.Wrap(err, "output assembly")
	}
	return results, p.Tracker.Finalize(), nil
}
