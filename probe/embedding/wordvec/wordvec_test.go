package wordvec

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVec = `3 2
cat 0.5 1
dog -1 2.5
fish 3 3
`

func TestWordvec(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"ReadSkipsHeader", testReadSkipsHeader},
		{"Filter", testFilter},
		{"UnknownFallsBackToFirstRow", testUnknownFallback},
		{"Gzip", testGzip},
		{"RaggedRows", testRaggedRows},
		{"SingleDimension", testSingleDimension},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testReadSkipsHeader(t *testing.T) {
	tab, err := Read(strings.NewReader(testVec), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, tab.Len())
	assert.Equal(t, 2, tab.Dim())
	assert.Equal(t, []float64{-1, 2.5}, tab.Vector("dog"))
}

func testFilter(t *testing.T) {
	tab, err := Read(strings.NewReader(testVec), map[string]bool{"fish": true})
	require.NoError(t, err)
	assert.Equal(t, 1, tab.Len())
	assert.True(t, tab.Has("fish"))
	assert.False(t, tab.Has("cat"))
}

func testUnknownFallback(t *testing.T) {
	tab, err := Read(strings.NewReader(testVec), nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1}, tab.Vector("zebra"))
}

func testGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emb.vec.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(testVec))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	tab, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3}, tab.Vector("fish"))
}

func testRaggedRows(t *testing.T) {
	_, err := Read(strings.NewReader("a 1 2\nb 1 2 3\n"), nil)
	assert.Error(t, err)
	_, err = Read(strings.NewReader("3 2\n"), nil)
	assert.Error(t, err)
}

func testSingleDimension(t *testing.T) {
	tab, err := Read(strings.NewReader("2 1\ncat 0.5\n\ndog 1.5\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, tab.Len())
	assert.Equal(t, 1, tab.Dim())
	assert.Equal(t, []float64{1.5}, tab.Vector("dog"))

	tab, err = Read(strings.NewReader("cat 0.5\ndog 1.5\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, tab.Len())
	assert.Equal(t, []float64{0.5}, tab.Vector("cat"))

	// only the first line may be a header
	tab, err = Read(strings.NewReader("cat 0.5\n7 2\n"), nil)
	require.NoError(t, err)
	assert.True(t, tab.Has("7"))

	_, err = Read(strings.NewReader("cat 0.5\ndog\n"), nil)
	assert.Error(t, err)
}
