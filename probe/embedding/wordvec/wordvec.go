// Package wordvec loads static word-embedding tables in the word2vec/fastText
// text format, optionally gzip-compressed.
package wordvec

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Table holds one embedding row per retained word.
type Table struct {
	index map[string]int
	mtx   *mat.Dense
}

// Load reads path; a ".gz" suffix selects gzip decoding. When filter is
// non-nil only the words it contains are kept.
func Load(path string, filter map[string]bool) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open embedding %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gunzip embedding %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	t, err := Read(r, filter)
	if err != nil {
		return nil, fmt.Errorf("read embedding %s: %w", path, err)
	}
	return t, nil
}

// Read parses the text format. A first line holding two integers is the
// "<count> <dim>" header and is skipped; blank lines are ignored.
func Read(r io.Reader, filter map[string]bool) (*Table, error) {
	index := make(map[string]int)
	var data []float64
	dim := -1

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo, rows := 0, 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fd := strings.Split(line, " ")
		rows++
		if rows == 1 && isHeader(fd) {
			continue
		}
		if len(fd) < 2 {
			return nil, fmt.Errorf("line %d: no values for %q", lineNo, fd[0])
		}
		word := fd[0]
		if filter != nil && !filter[word] {
			continue
		}
		if _, dup := index[word]; dup {
			continue
		}
		if dim < 0 {
			dim = len(fd) - 1
		} else if len(fd)-1 != dim {
			return nil, fmt.Errorf("line %d: %d values, want %d", lineNo, len(fd)-1, dim)
		}
		for _, s := range fd[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			data = append(data, v)
		}
		index[word] = len(index)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(index) == 0 {
		return nil, fmt.Errorf("no embedding rows")
	}
	return &Table{index: index, mtx: mat.NewDense(len(index), dim, data)}, nil
}

func isHeader(fd []string) bool {
	if len(fd) != 2 {
		return false
	}
	for _, s := range fd {
		if _, err := strconv.Atoi(s); err != nil {
			return false
		}
	}
	return true
}

func (t *Table) Len() int { return len(t.index) }

func (t *Table) Dim() int {
	_, c := t.mtx.Dims()
	return c
}

// Vector returns a copy of the row for word, or of the first row when the
// word is missing.
func (t *Table) Vector(word string) []float64 {
	row := t.index[word]
	return mat.Row(nil, row, t.mtx)
}

// Has reports whether word has its own row.
func (t *Table) Has(word string) bool {
	_, ok := t.index[word]
	return ok
}
