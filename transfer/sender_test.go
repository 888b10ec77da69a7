package transfer

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/models"
	"peerdrop/network"
)

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size      int64
		chunkSize int
		want      int
	}{
		{size: 0, chunkSize: 65536, want: 0},
		{size: 1, chunkSize: 65536, want: 1},
		{size: 65536, chunkSize: 65536, want: 1},
		{size: 65537, chunkSize: 65536, want: 2},
		{size: 150000, chunkSize: 65536, want: 3},
		{size: 100, chunkSize: 0, want: 0},
		{size: -5, chunkSize: 10, want: 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ChunkCount(tc.size, tc.chunkSize), "size=%d chunk=%d", tc.size, tc.chunkSize)
	}
}

func TestPlanReadChunkSizes(t *testing.T) {
	source := make([]byte, 150000)
	_, err := rand.Read(source)
	require.NoError(t, err)

	plan := NewPlan(models.File{ID: "f1", Name: "data.bin", Size: int64(len(source))}, 65536)
	require.Equal(t, 3, plan.TotalChunks)

	start := plan.Start()
	assert.Equal(t, network.TypeFileStart, start.Type)
	assert.Equal(t, 3, start.TotalChunks)
	assert.Equal(t, int64(150000), start.Size)

	var sizes []int
	var joined []byte
	for !plan.Done() {
		chunk, err := plan.ReadChunk(bytes.NewReader(source), plan.NextIndex)
		require.NoError(t, err)
		assert.Equal(t, plan.NextIndex, chunk.ChunkIndex)
		assert.Equal(t, plan.NextIndex == 2, chunk.IsLast)
		sizes = append(sizes, len(chunk.Data))
		joined = append(joined, chunk.Data...)
		plan.NextIndex++
	}
	assert.Equal(t, []int{65536, 65536, 18928}, sizes)
	assert.True(t, bytes.Equal(source, joined))
}

func TestPlanReadChunkRejectsOutOfRange(t *testing.T) {
	plan := NewPlan(models.File{ID: "f", Size: 10}, 4)
	_, err := plan.ReadChunk(bytes.NewReader(make([]byte, 10)), 3)
	assert.Error(t, err)
	_, err = plan.ReadChunk(bytes.NewReader(make([]byte, 10)), -1)
	assert.Error(t, err)
}

func TestPlanReadChunkShortSource(t *testing.T) {
	plan := NewPlan(models.File{ID: "f", Size: 10}, 4)
	_, err := plan.ReadChunk(bytes.NewReader(make([]byte, 6)), 1)
	assert.Error(t, err)
}

func TestReadWhole(t *testing.T) {
	data, err := ReadWhole(bytes.NewReader([]byte("hello")), 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = ReadWhole(bytes.NewReader([]byte("hi")), 5)
	assert.Error(t, err)
}
