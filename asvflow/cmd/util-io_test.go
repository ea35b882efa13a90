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
	"os"
	"path/filepath"
	"testing"

	gzip "github.com/klauspost/pgzip"
)

func writeGzipped(t *testing.T, file string, content []byte) {
	t.Helper()
	fh, err := os.Create(file)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	gw := gzip.NewWriter(fh)
	if _, err = gw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err = gw.Close(); err != nil {
		t.Fatal(err)
	}
}

// inStream must hand back identical content for plain and gzipped
// files, reporting which one it saw
func TestInStream(t *testing.T) {
	dir := t.TempDir()
	content := []byte("sample\tnegative\ns1\tfalse\n")

	plain := filepath.Join(dir, "table.tsv")
	if err := os.WriteFile(plain, content, 0644); err != nil {
		t.Fatal(err)
	}
	gz := filepath.Join(dir, "table.tsv.gz")
	writeGzipped(t, gz, content)

	tests := []struct {
		file    string
		gzipped bool
	}{
		{plain, false},
		{gz, true},
	}
	for _, tt := range tests {
		br, r, gzipped, err := inStream(tt.file)
		if err != nil {
			t.Fatalf("inStream(%s): %v", tt.file, err)
		}
		if gzipped != tt.gzipped {
			t.Errorf("%s: gzipped = %v, want %v", tt.file, gzipped, tt.gzipped)
		}
		data, err := io.ReadAll(br)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != string(content) {
			t.Errorf("%s: content mismatch:\n%q\n%q", tt.file, data, content)
		}
		r.Close()
	}
}

func TestInStreamMissingFile(t *testing.T) {
	if _, _, _, err := inStream("/no/such/file.tsv"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
