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
	"math"
	"reflect"
	"sort"
	"strings"
	"testing"
)

func phyloSeqs() ([]string, map[string]string) {
	seqs := map[string]string{
		"v1": "ACGGTTCAAGGCTTACGGATCCAA",
		"v2": "TTGGCCAATTAGGCCAATTCGGCC",
		"v3": "ACGGTTCAAGGCTTACGCATCCAA",
	}
	ids := make([]string, 0, len(seqs))
	for id := range seqs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, seqs
}

func TestBuildPhylogenyLeaves(t *testing.T) {
	ids, seqs := phyloSeqs()
	tree, err := BuildPhylogeny(ids, seqs)
	if err != nil {
		t.Fatal(err)
	}
	if got := tree.Leaves(); !reflect.DeepEqual(got, ids) {
		t.Errorf("leaves: got %v, want %v", got, ids)
	}
	if err := tree.CheckLeaves(ids); err != nil {
		t.Errorf("CheckLeaves: %v", err)
	}
}

func TestBuildPhylogenySingleLeaf(t *testing.T) {
	tree, err := BuildPhylogeny([]string{"v1"}, map[string]string{"v1": "ACGGTTCAAGGCTT"})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := tree.Leaves(), []string{"v1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("leaves: got %v, want %v", got, want)
	}
}

func TestBuildPhylogenyEmpty(t *testing.T) {
	if _, err := BuildPhylogeny(nil, nil); err == nil {
		t.Fatal("expected an error for an empty variant set")
	}
}

// the midpoint root of a two-leaf tree splits the distance evenly
func TestMidpointRootTwoLeaves(t *testing.T) {
	tree, err := BuildPhylogeny(
		[]string{"v1", "v2"},
		map[string]string{
			"v1": "ACGGTTCAAGGCTTACGGATCCAA",
			"v2": "TTGGCCAATTAGGCCAATTCGGCC",
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	root := tree.Root
	if len(root.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(root.Children))
	}
	if d := math.Abs(root.Children[0].Length - root.Children[1].Length); d > 1e-9 {
		t.Errorf("midpoint root is unbalanced: %f vs %f",
			root.Children[0].Length, root.Children[1].Length)
	}
}

func TestNewick(t *testing.T) {
	ids, seqs := phyloSeqs()
	tree, err := BuildPhylogeny(ids, seqs)
	if err != nil {
		t.Fatal(err)
	}
	nwk := tree.Newick()
	if !strings.HasSuffix(nwk, ";") {
		t.Errorf("newick does not end with a semicolon: %s", nwk)
	}
	for _, id := range ids {
		if !strings.Contains(nwk, id) {
			t.Errorf("leaf %s missing from newick: %s", id, nwk)
		}
	}
	if !strings.Contains(nwk, ":") {
		t.Errorf("newick carries no branch lengths: %s", nwk)
	}
}

func TestRenameLeaves(t *testing.T) {
	ids, seqs := phyloSeqs()
	tree, err := BuildPhylogeny(ids, seqs)
	if err != nil {
		t.Fatal(err)
	}
	tree.RenameLeaves(map[string]string{"v1": "ASV1", "v2": "ASV2", "v3": "ASV3"})
	if got, want := tree.Leaves(), []string{"ASV1", "ASV2", "ASV3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("renamed leaves: got %v, want %v", got, want)
	}
}

func TestCheckLeavesMismatch(t *testing.T) {
	ids, seqs := phyloSeqs()
	tree, err := BuildPhylogeny(ids, seqs)
	if err != nil {
		t.Fatal(err)
	}
	err = tree.CheckLeaves([]string{"v1", "v2", "v4"})
	var mismatch *TreeLeafMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected TreeLeafMismatchError, got %v", err)
	}
	if got, want := mismatch.Missing, []string{"v4"}; !reflect.DeepEqual(got, want) {
		t.Errorf("missing: got %v, want %v", got, want)
	}
	if got, want := mismatch.Extra, []string{"v3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("extra: got %v, want %v", got, want)
	}
}

// identical sequences collapse all distances to zero; the tree must
// still be valid
func TestBuildPhylogenyIdenticalSequences(t *testing.T) {
	seqs := map[string]string{
		"v1": "ACGGTTCAAGGCTTACGGATCCAA",
		"v2": "ACGGTTCAAGGCTTACGGATCCAA",
		"v3": "ACGGTTCAAGGCTTACGGATCCAA",
	}
	tree, err := BuildPhylogeny([]string{"v1", "v2", "v3"}, seqs)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.CheckLeaves([]string{"v1", "v2", "v3"}); err != nil {
		t.Errorf("CheckLeaves: %v", err)
	}
}
