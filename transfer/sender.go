package transfer

import (
	"errors"
	"fmt"
	"io"

	"peerdrop/models"
	"peerdrop/network"
)

// Plan is the sender-side state of one outbound file.
type Plan struct {
	FileID      string
	Name        string
	Size        int64
	ChunkSize   int
	TotalChunks int
	NextIndex   int
}

// NewPlan splits file into chunkSize pieces.
func NewPlan(file models.File, chunkSize int) *Plan {
	return &Plan{
		FileID:      file.ID,
		Name:        file.Name,
		Size:        file.Size,
		ChunkSize:   chunkSize,
		TotalChunks: ChunkCount(file.Size, chunkSize),
	}
}

// Start returns the message announcing this transfer.
func (p *Plan) Start() network.FileStart {
	return network.FileStart{
		Type:        network.TypeFileStart,
		FileID:      p.FileID,
		Name:        p.Name,
		Size:        p.Size,
		TotalChunks: p.TotalChunks,
	}
}

// Done reports whether every chunk has been emitted.
func (p *Plan) Done() bool {
	return p.NextIndex >= p.TotalChunks
}

// ReadChunk reads chunk index of the plan from src. It does not advance NextIndex.
func (p *Plan) ReadChunk(src io.ReaderAt, index int) (network.FileChunk, error) {
	if index < 0 || index >= p.TotalChunks {
		return network.FileChunk{}, fmt.Errorf("transfer: chunk %d out of range [0,%d)", index, p.TotalChunks)
	}

	offset := int64(index) * int64(p.ChunkSize)
	length := int64(p.ChunkSize)
	if remaining := p.Size - offset; remaining < length {
		length = remaining
	}

	buffer := make([]byte, length)
	n, err := src.ReadAt(buffer, offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		return network.FileChunk{}, fmt.Errorf("read chunk %d at offset %d: %w", index, offset, err)
	}

	return network.FileChunk{
		Type:       network.TypeFileChunk,
		FileID:     p.FileID,
		ChunkIndex: index,
		Data:       buffer,
		IsLast:     index == p.TotalChunks-1,
	}, nil
}

// ReadWhole reads size bytes from src for the whole-file contract.
func ReadWhole(src io.ReaderAt, size int64) ([]byte, error) {
	data, err := io.ReadAll(io.NewSectionReader(src, 0, size))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("read file: %w", io.ErrUnexpectedEOF)
	}
	return data, nil
}

// ChunkCount returns ceil(size/chunkSize), or 0 for empty files.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
