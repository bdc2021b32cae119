package mp4

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMemBoxesSplitsSiblings(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.Write(wrapBox("free", []byte{1, 2, 3}))
	buf.Write(wrapBox("mdat", []byte{4, 5}))

	boxes, err := readMemBoxes(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.Equal(t, "free", boxes[0].typ)
	assert.Equal(t, []byte{1, 2, 3}, boxes[0].body)
	assert.Equal(t, "mdat", boxes[1].typ)
	assert.Equal(t, []byte{4, 5}, boxes[1].body)
}

func TestReadMemBoxesRejectsTruncatedSize(t *testing.T) {
	t.Parallel()
	data := []byte{0, 0, 0, 100, 'f', 'r', 'e', 'e'} // claims 100 bytes, has 8
	_, err := readMemBoxes(data)
	assert.Error(t, err)
}

func TestFindMemBoxMissing(t *testing.T) {
	t.Parallel()
	_, found := findMemBox(nil, "moov")
	assert.False(t, found)
}

func TestScanBoxesTopLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.Write(wrapBox("ftyp", []byte("isom")))
	buf.Write(wrapBox("moov", []byte{9, 9}))

	boxes, err := scanBoxes(bytes.NewReader(buf.Bytes()), 0, int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, boxes, 2)

	moov, found := findBox(boxes, "moov")
	require.True(t, found)
	body, err := readBoxBody(bytes.NewReader(buf.Bytes()), moov)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, body)
}
