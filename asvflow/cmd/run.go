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
	"os"
	"path/filepath"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full amplicon analysis pipeline",
	Long: `Run the full amplicon analysis pipeline

Stages, in strict order:
  1. sample registry     pair forward/reverse read files by sorted position
  2. filter & trim       domain profile chosen with -d/--domain
  3. denoise             one error model per orientation, randomized order
  4. merge               exact-overlap merging (paired-end only)
  5. variant table       exact-identity collapsing + consensus de-chimera
  6. taxonomy            two-tier cascade with gap-filled rank tuples
  7. decontam            prevalence method, controls removed afterwards
  8. phylogeny           k-mer distances, NJ, midpoint rooting (optional)
  9. output              atomic renaming to ASV identifiers

Input files:
  1. Demultiplexed fastq files named <sample>_..._R{1,2}_001.fastq[.gz],
     the sample ID is the base name up to the first underscore.
  2. A metadata table (-m/--metadata) with a sample column and a
     boolean-like negative column marking extraction/PCR controls.
  3. A reference database (-r/--ref-db) with semicolon-delimited
     lineages in the FASTA headers, and optionally a narrower
     domain-specific training set (-R/--secondary-db) for the
     second classification tier.

Output artifacts (all keyed by the final ASV identifiers):
  taxonomy.tsv, abundance.tsv, metadata.tsv, repseqs.fasta,
  tree.nwk (unless --skip-tree), and the diagnostic track.tsv.

`,
	Run: func(cmd *cobra.Command, args []string) {
		opt := getOptions(cmd)

		var fhLog *os.File
		if opt.Log2File {
			fhLog = addLog(opt.LogFile, opt.Verbose)
		}
		timeStart := time.Now()
		defer func() {
			if opt.Verbose || opt.Log2File {
				log.Info()
				log.Infof("elapsed time: %s", time.Since(timeStart))
				log.Info()
			}
			if opt.Log2File {
				fhLog.Close()
			}
		}()

		inDir := getFlagString(cmd, "in-dir")
		outDir := getFlagString(cmd, "out-dir")
		force := getFlagBool(cmd, "force")
		patternF := getFlagString(cmd, "pattern-fwd")
		patternR := getFlagString(cmd, "pattern-rev")
		singleEnd := getFlagBool(cmd, "single-end")

		domain := getFlagString(cmd, "domain")
		profileFile := getFlagString(cmd, "profile-file")

		metadataFile := getFlagString(cmd, "metadata")
		refDB := getFlagString(cmd, "ref-db")
		secondaryDB := getFlagString(cmd, "secondary-db")
		minBootstrap := getFlagPositiveFloat64(cmd, "min-bootstrap")
		secondaryMinConf := getFlagPositiveFloat64(cmd, "secondary-min-conf")

		minOverlap := getFlagPositiveInt(cmd, "min-overlap")
		maxMismatch := getFlagNonNegativeInt(cmd, "max-mismatch")
		mergeWarnRate := getFlagNonNegativeFloat64(cmd, "merge-warn-rate")

		decontamThreshold := getFlagNonNegativeFloat64(cmd, "decontam-threshold")
		skipTree := getFlagBool(cmd, "skip-tree")
		compress := getFlagBool(cmd, "compress")

		if inDir == "" {
			checkError(fmt.Errorf("flag -i/--in-dir needed"))
		}
		if metadataFile == "" {
			checkError(fmt.Errorf("flag -m/--metadata needed"))
		}
		if refDB == "" {
			checkError(fmt.Errorf("flag -r/--ref-db needed"))
		}

		if opt.Verbose || opt.Log2File {
			log.Infof("asvflow v%s", VERSION)
			log.Info()
			log.Info("checking input files ...")
		}

		makeOutDir(outDir, force)
		filteredDir := filepath.Join(outDir, "filtered")
		checkError(os.MkdirAll(filteredDir, 0777))

		// -------------------------------------------------------------
		// inputs: registry, metadata, profile, classifiers

		registry, err := NewSampleRegistry(inDir, patternF, patternR, singleEnd, opt.NumCPUs)
		checkError(err)
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d sample(s) registered, paired-end: %v", len(registry.Samples), registry.Paired)
		}

		meta, err := loadMetadata(metadataFile, opt.NumCPUs)
		checkError(err)

		filter, err := NewFilterStage(domain, profileFile, filteredDir, registry.Paired)
		checkError(err)

		refDB, err = homedir.Expand(refDB)
		checkError(err)
		primary, err := NewKmerBootstrapClassifier(refDB, minBootstrap)
		checkError(err)

		resolver := &TaxonomyResolver{
			Primary:      primary,
			TargetDomain: filter.Profile.Domain,
		}
		if secondaryDB != "" {
			secondaryDB, err = homedir.Expand(secondaryDB)
			checkError(err)
			secondary, err := NewNearestNeighborClassifier(secondaryDB, secondaryMinConf)
			checkError(err)
			resolver.Secondary = secondary
		}

		if opt.Verbose || opt.Log2File {
			log.Info()
			log.Infof("-------------------- [main parameters] --------------------")
			log.Infof("domain profile: %s (target domain: %s)", domain, filter.Profile.Domain)
			log.Infof("  trim: %v, trunc: %v, maxEE: %v", filter.Profile.TrimLeft,
				filter.Profile.TruncLen, filter.Profile.MaxEE)
			log.Infof("merge: min overlap: %d, max mismatches: %d", minOverlap, maxMismatch)
			log.Infof("taxonomy: min bootstrap: %.2f, secondary classifier: %v",
				minBootstrap, resolver.Secondary != nil)
			log.Infof("decontam: prevalence threshold: %.2f", decontamThreshold)
			log.Infof("phylogeny: %v", !skipTree)
			log.Infof("-------------------- [main parameters] --------------------")
			log.Info()
		}

		// -------------------------------------------------------------
		// run

		pipeline := &Pipeline{
			Registry: registry,
			Meta:     meta,
			Tracker:  NewStageTracker(stageOrder(registry.Paired)),
			Filter:   filter,
			Denoise:  &DenoiseStage{},
			Merge: &MergeStage{
				MinOverlap:  minOverlap,
				MaxMismatch: maxMismatch,
				WarnRate:    mergeWarnRate,
			},
			Resolver:          resolver,
			DecontamThreshold: decontamThreshold,
			SkipTree:          skipTree,
		}

		results, track, err := pipeline.Run(opt)
		if track != nil {
			// the accounting table is diagnostic, keep it even when a
			// stage failed
			if werr := track.WriteTSV(filepath.Join(outDir, "track.tsv"), false, opt.CompressionLevel); werr != nil {
				log.Warning(werr)
			}
		}
		checkError(err)

		if opt.Verbose || opt.Log2File {
			log.Info("per-sample read tracking:")
			for _, line := range strings.Split(strings.TrimRight(track.Render(), "\n"), "\n") {
				log.Info("  " + line)
			}
		}

		checkError(results.WriteAll(outDir, compress, opt.CompressionLevel))

		if opt.Verbose || opt.Log2File {
			log.Info()
			log.Infof("%s variant(s) across %s sample(s) written to %s",
				humanize.Comma(int64(len(results.IDs))),
				humanize.Comma(int64(len(results.Matrix.Samples))), outDir)
		}
	},
}

func init() {
	RootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("in-dir", "i", "", `directory of demultiplexed fastq files`)
	runCmd.Flags().StringP("out-dir", "o", "asvflow.out", `output directory`)
	runCmd.Flags().BoolP("force", "", false, `overwrite an existing output directory`)
	runCmd.Flags().StringP("pattern-fwd", "", `_R1_001\.f(ast)?q(\.gz)?$`, `regular expression of forward read files`)
	runCmd.Flags().StringP("pattern-rev", "", `_R2_001\.f(ast)?q(\.gz)?$`, `regular expression of reverse read files`)
	runCmd.Flags().BoolP("single-end", "", false, `single-end reads, skip the merge stage`)

	runCmd.Flags().StringP("domain", "d", "Bacteria", `domain parameter profile, one of: Bacteria, Archaea, Eukaryote`)
	runCmd.Flags().StringP("profile-file", "", "", `YAML file of filter profiles overriding the built-in set`)

	runCmd.Flags().StringP("metadata", "m", "", `metadata table with a sample column and a boolean-like negative column`)
	runCmd.Flags().StringP("ref-db", "r", "", `reference database FASTA with semicolon-delimited lineages`)
	runCmd.Flags().StringP("secondary-db", "R", "", `narrower domain-specific training set for the second classification tier`)
	runCmd.Flags().Float64P("min-bootstrap", "", 0.8, `minimal bootstrap confidence per taxonomic rank`)
	runCmd.Flags().Float64P("secondary-min-conf", "", 0.6, `minimal similarity of the secondary classifier`)

	runCmd.Flags().IntP("min-overlap", "", 12, `minimal overlap length when merging read pairs`)
	runCmd.Flags().IntP("max-mismatch", "", 0, `allowed mismatches in the merge overlap`)
	runCmd.Flags().Float64P("merge-warn-rate", "", 0.75, `warn when a sample merges less than this fraction of reads`)

	runCmd.Flags().Float64P("decontam-threshold", "t", 0.5, `prevalence threshold above which a variant is a contaminant`)
	runCmd.Flags().BoolP("skip-tree", "", false, `skip the phylogeny stage`)
	runCmd.Flags().BoolP("compress", "", false, `gzip the output tables`)
}
