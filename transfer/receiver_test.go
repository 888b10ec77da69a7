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

func chunksOf(t *testing.T, source []byte, chunkSize int) (network.FileStart, []network.FileChunk) {
	t.Helper()
	plan := NewPlan(models.File{ID: "f1", Name: "report.pdf", Size: int64(len(source))}, chunkSize)
	chunks := make([]network.FileChunk, 0, plan.TotalChunks)
	for i := 0; i < plan.TotalChunks; i++ {
		chunk, err := plan.ReadChunk(bytes.NewReader(source), i)
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	return plan.Start(), chunks
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestReceiverReassemblesInOrder(t *testing.T) {
	source := randomBytes(t, 150000)
	start, chunks := chunksOf(t, source, 65536)

	receiver := NewReceiver()
	started, err := receiver.Begin(start)
	require.NoError(t, err)
	assert.Nil(t, started)
	assert.Equal(t, 1, receiver.Pending())

	var done *Assembled
	for i, chunk := range chunks {
		status, assembled, ok := receiver.Accept(chunk)
		require.True(t, ok)
		assert.Equal(t, i+1, status.Received)
		done = assembled
	}
	require.NotNil(t, done)
	assert.True(t, bytes.Equal(source, done.Data))
	assert.Equal(t, "report.pdf", done.Name)
	assert.Equal(t, "application/pdf", done.ContentType)
	assert.Equal(t, 0, receiver.Pending())
}

func TestReceiverReassemblesOutOfOrder(t *testing.T) {
	source := randomBytes(t, 10000)
	start, chunks := chunksOf(t, source, 1024)

	receiver := NewReceiver()
	receiver.Begin(start)

	// Everything except the final chunk, reversed, then the final chunk.
	last := chunks[len(chunks)-1]
	for i := len(chunks) - 2; i >= 0; i-- {
		_, done, ok := receiver.Accept(chunks[i])
		require.True(t, ok)
		assert.Nil(t, done)
	}
	_, done, ok := receiver.Accept(last)
	require.True(t, ok)
	require.NotNil(t, done)
	assert.True(t, bytes.Equal(source, done.Data))
}

func TestReceiverCompletesOnCountWithoutLastFlag(t *testing.T) {
	source := randomBytes(t, 3000)
	start, chunks := chunksOf(t, source, 1000)
	chunks[2].IsLast = false

	receiver := NewReceiver()
	receiver.Begin(start)
	// Final chunk first, without its flag; completion comes when the count fills.
	_, done, _ := receiver.Accept(chunks[2])
	assert.Nil(t, done)
	_, done, _ = receiver.Accept(chunks[0])
	assert.Nil(t, done)
	_, done, _ = receiver.Accept(chunks[1])
	require.NotNil(t, done)
	assert.True(t, bytes.Equal(source, done.Data))
}

func TestReceiverLastChunkWithGapTreatsGapAsEmpty(t *testing.T) {
	source := randomBytes(t, 3000)
	start, chunks := chunksOf(t, source, 1000)

	receiver := NewReceiver()
	receiver.Begin(start)
	receiver.Accept(chunks[0])
	_, done, ok := receiver.Accept(chunks[2])
	require.True(t, ok)
	require.NotNil(t, done)

	want := append(append([]byte{}, source[:1000]...), source[2000:]...)
	assert.Equal(t, want, done.Data)
	assert.Equal(t, 0, receiver.Pending())
}

func TestReceiverDropsChunkWithoutStart(t *testing.T) {
	receiver := NewReceiver()
	_, done, ok := receiver.Accept(network.FileChunk{FileID: "ghost", ChunkIndex: 0, Data: []byte("x"), IsLast: true})
	assert.False(t, ok)
	assert.Nil(t, done)
}

func TestReceiverIgnoresOutOfRangeIndex(t *testing.T) {
	receiver := NewReceiver()
	receiver.Begin(network.FileStart{FileID: "f", Name: "a.txt", Size: 4, TotalChunks: 2})

	_, _, ok := receiver.Accept(network.FileChunk{FileID: "f", ChunkIndex: 5, Data: []byte("zz"), IsLast: true})
	assert.False(t, ok)
	assert.Equal(t, 1, receiver.Pending())
}

func TestReceiverDuplicateChunkCountedOnce(t *testing.T) {
	receiver := NewReceiver()
	receiver.Begin(network.FileStart{FileID: "f", Name: "a.txt", Size: 4, TotalChunks: 2})

	status, done, _ := receiver.Accept(network.FileChunk{FileID: "f", ChunkIndex: 0, Data: []byte("ab")})
	assert.Nil(t, done)
	assert.Equal(t, 1, status.Received)
	status, done, _ = receiver.Accept(network.FileChunk{FileID: "f", ChunkIndex: 0, Data: []byte("ab")})
	assert.Nil(t, done)
	assert.Equal(t, 1, status.Received)
	assert.Equal(t, int64(2), status.Bytes)

	_, done, _ = receiver.Accept(network.FileChunk{FileID: "f", ChunkIndex: 1, Data: []byte("cd")})
	require.NotNil(t, done)
	assert.Equal(t, []byte("abcd"), done.Data)
	assert.Equal(t, "text/plain", done.ContentType)
}

func TestReceiverSecondStartOverwrites(t *testing.T) {
	receiver := NewReceiver()
	receiver.Begin(network.FileStart{FileID: "f", Name: "old.bin", Size: 4, TotalChunks: 2})
	receiver.Accept(network.FileChunk{FileID: "f", ChunkIndex: 0, Data: []byte("xx")})

	receiver.Begin(network.FileStart{FileID: "f", Name: "new.bin", Size: 2, TotalChunks: 1})
	_, done, ok := receiver.Accept(network.FileChunk{FileID: "f", ChunkIndex: 0, Data: []byte("yy"), IsLast: true})
	require.True(t, ok)
	require.NotNil(t, done)
	assert.Equal(t, "new.bin", done.Name)
	assert.Equal(t, []byte("yy"), done.Data)
}

func TestReceiverEmptyFileCompletesOnStart(t *testing.T) {
	receiver := NewReceiver()
	done, err := receiver.Begin(network.FileStart{FileID: "f", Name: "empty", Size: 0, TotalChunks: 0})
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Empty(t, done.Data)
	assert.Equal(t, DefaultContentType, done.ContentType)
	assert.Equal(t, 0, receiver.Pending())
}

func TestReceiverReset(t *testing.T) {
	receiver := NewReceiver()
	receiver.Begin(network.FileStart{FileID: "a", Size: 4, TotalChunks: 2})
	receiver.Begin(network.FileStart{FileID: "b", Size: 4, TotalChunks: 2})
	require.Equal(t, 2, receiver.Pending())

	receiver.Reset()
	assert.Equal(t, 0, receiver.Pending())
	_, _, ok := receiver.Accept(network.FileChunk{FileID: "a", ChunkIndex: 0, IsLast: true})
	assert.False(t, ok)
}

func TestReceiverRejectsImpossibleStart(t *testing.T) {
	receiver := NewReceiver()
	receiver.Begin(network.FileStart{FileID: "f", Name: "keep.txt", Size: 2, TotalChunks: 1})

	for _, start := range []network.FileStart{
		{FileID: "f", Name: "huge", Size: 1, TotalChunks: 1 << 62},
		{FileID: "f", Name: "more chunks than bytes", Size: 3, TotalChunks: 4},
		{FileID: "f", Name: "negative chunks", Size: 3, TotalChunks: -1},
		{FileID: "f", Name: "negative size", Size: -1, TotalChunks: 0},
	} {
		done, err := receiver.Begin(start)
		assert.ErrorIs(t, err, ErrInvalidStart, start.Name)
		assert.Nil(t, done, start.Name)
	}

	assert.Equal(t, 1, receiver.Pending())
	_, done, ok := receiver.Accept(network.FileChunk{FileID: "f", ChunkIndex: 0, Data: []byte("ok"), IsLast: true})
	require.True(t, ok)
	require.NotNil(t, done)
	assert.Equal(t, "keep.txt", done.Name)
}

func TestReceiverLargeChunkCountAllocatesLazily(t *testing.T) {
	receiver := NewReceiver()
	_, err := receiver.Begin(network.FileStart{FileID: "f", Name: "big.bin", Size: 1 << 40, TotalChunks: 1 << 30})
	require.NoError(t, err)

	status, done, ok := receiver.Accept(network.FileChunk{FileID: "f", ChunkIndex: 1<<30 - 1, Data: []byte("tail"), IsLast: true})
	require.True(t, ok)
	assert.Equal(t, 1, status.Received)
	require.NotNil(t, done)
	assert.Equal(t, []byte("tail"), done.Data)
}
