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
	"io"
	"sort"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	prettytable "github.com/tatsushid/go-prettytable"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// FilterProfile holds the domain-conditional trimming and filtering
// parameters applied by the filter stage. One profile is looked up per
// run, at filter-stage construction time.
type FilterProfile struct {
	Domain string `yaml:"domain"`

	// primer lengths removed from the 5' end, forward and reverse
	TrimLeft [2]int `yaml:"trimLeft"`
	// reads are truncated to these fixed lengths, forward and reverse
	TruncLen [2]int `yaml:"truncLen"`

	MaxEE      [2]float64 `yaml:"maxEE"`
	TruncQ     int        `yaml:"truncQ"`
	MaxN       int        `yaml:"maxN"`
	RemovePhiX bool       `yaml:"removePhiX"`
}

// built-in profiles: 16S V3-V4 (Bacteria), 16S Arch516F/A806R (Archaea),
// 18S V4 (Eukaryote). Overridable with --profile-file.
var domainProfiles = map[string]FilterProfile{
	"Bacteria": {
		Domain:     "Bacteria",
		TrimLeft:   [2]int{17, 21},
		TruncLen:   [2]int{230, 180},
		MaxEE:      [2]float64{2, 2},
		TruncQ:     2,
		MaxN:       0,
		RemovePhiX: true,
	},
	"Archaea": {
		Domain:     "Archaea",
		TrimLeft:   [2]int{19, 20},
		TruncLen:   [2]int{220, 180},
		MaxEE:      [2]float64{2, 2},
		TruncQ:     2,
		MaxN:       0,
		RemovePhiX: true,
	},
	"Eukaryote": {
		Domain:     "Eukaryota",
		TrimLeft:   [2]int{20, 21},
		TruncLen:   [2]int{210, 160},
		MaxEE:      [2]float64{2, 4},
		TruncQ:     2,
		MaxN:       0,
		RemovePhiX: true,
	},
}

// lookupProfile returns the filter profile for a domain tag, with
// optional overrides from a YAML profile file merged on top of the
// built-in set.
func lookupProfile(domain string, profileFile string) (FilterProfile, error) {
	profiles := make(map[string]FilterProfile, len(domainProfiles))
	for k, v := range domainProfiles {
		profiles[k] = v
	}

	if profileFile != "" {
		file := profileFile
		if !isStdin(file) {
			var err error
			file, err = homedir.Expand(profileFile)
			if err != nil {
				return FilterProfile{}, errors.Wrap(err, profileFile)
			}
		}
		overrides, err := loadProfileFile(file)
		if err != nil {
			return FilterProfile{}, err
		}
		for k, v := range overrides {
			profiles[k] = v
		}
	}

	p, ok := profiles[domain]
	if !ok {
		known := make([]string, 0, len(profiles))
		for k := range profiles {
			known = append(known, k)
		}
		sort.Strings(known)
		return FilterProfile{}, fmt.Errorf("unknown domain: %s, available: %v", domain, known)
	}
	return p, nil
}

// loadProfileFile reads a YAML profile table, plain or gzipped.
func loadProfileFile(file string) (map[string]FilterProfile, error) {
	br, r, _, err := inStream(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	data, err := io.ReadAll(br)
	if !isStdin(file) {
		r.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	profiles := make(map[string]FilterProfile)
	if err = yaml.Unmarshal(data, &profiles); err != nil {
		return nil, errors.Wrapf(err, "fail to parse profile file: %s", file)
	}
	for k, p := range profiles {
		if p.Domain == "" {
			p.Domain = k
			profiles[k] = p
		}
	}
	return profiles, nil
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Print the built-in domain parameter profiles",
	Long: `Print the built-in domain parameter profiles

Each profile bundles the primer-trim lengths, truncation lengths and
quality thresholds applied by the filter stage for one target domain.
A YAML file given with --profile-file overrides or extends the set.

`,
	Run: func(cmd *cobra.Command, args []string) {
		profileFile := getFlagString(cmd, "profile-file")

		names := make([]string, 0, len(domainProfiles))
		for name := range domainProfiles {
			names = append(names, name)
		}
		sort.Strings(names)

		tbl, err := prettytable.NewTable([]prettytable.Column{
			{Header: "profile"},
			{Header: "domain"},
			{Header: "trimLeft", AlignRight: true},
			{Header: "truncLen", AlignRight: true},
			{Header: "maxEE", AlignRight: true},
			{Header: "truncQ", AlignRight: true},
			{Header: "maxN", AlignRight: true},
			{Header: "removePhiX", AlignRight: true},
		}...)
		checkError(err)
		tbl.Separator = "  "

		for _, name := range names {
			p, err := lookupProfile(name, profileFile)
			checkError(err)
			tbl.AddRow(
				name,
				p.Domain,
				fmt.Sprintf("%d/%d", p.TrimLeft[0], p.TrimLeft[1]),
				fmt.Sprintf("%d/%d", p.TruncLen[0], p.TruncLen[1]),
				fmt.Sprintf("%.0f/%.0f", p.MaxEE[0], p.MaxEE[1]),
				fmt.Sprintf("%d", p.TruncQ),
				fmt.Sprintf("%d", p.MaxN),
				fmt.Sprintf("%v", p.RemovePhiX),
			)
		}
		tbl.Print()
	},
}

func init() {
	RootCmd.AddCommand(profilesCmd)

	profilesCmd.Flags().StringP("profile-file", "", "", `YAML file of filter profiles overriding the built-in set`)
}
