package image

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 0x1000

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w := NewWriter(dir, 100, testPageSize)
	w.AddVma(0x1000, 0x3000, 0, 0)
	w.AddVma(0x5000, 0x6000, 0, 0)
	require.NoError(t, w.AddPages(0x1000, bytes.Repeat([]byte{0xaa}, 2*testPageSize), true))
	w.AddZero(0x5000, 1, true)
	require.NoError(t, w.Commit())

	vmas, err := LoadVmas(dir, 100)
	require.NoError(t, err)
	assert.Equal(t, []VmaEntry{
		{Start: 0x1000, End: 0x3000},
		{Start: 0x5000, End: 0x6000},
	}, vmas)

	entries, err := LoadPagemap(dir, 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.True(t, entries[0].Lazy())
	assert.False(t, entries[0].Zero())
	assert.Equal(t, uint64(0x3000), entries[0].End(testPageSize))

	assert.True(t, entries[1].Lazy())
	assert.True(t, entries[1].Zero())

	pages, err := os.ReadFile(PagesPath(dir, 100))
	require.NoError(t, err)
	// Zero entries contribute no page content.
	assert.Len(t, pages, 2*testPageSize)
}

func TestAddPagesRejectsUnalignedData(t *testing.T) {
	w := NewWriter(t.TempDir(), 1, testPageSize)
	assert.Error(t, w.AddPages(0x1000, make([]byte, testPageSize+1), true))
}

func TestLoadRejectsWrongMagic(t *testing.T) {
	dir := t.TempDir()

	w := NewWriter(dir, 7, testPageSize)
	require.NoError(t, w.Commit())

	// A pagemap image is not an mm image.
	require.NoError(t, os.Rename(PagemapPath(dir, 7), MmPath(dir, 7)))

	_, err := LoadVmas(dir, 7)
	assert.Error(t, err)
}

func TestLoadMissingImage(t *testing.T) {
	_, err := LoadVmas(t.TempDir(), 42)
	assert.Error(t, err)
}
