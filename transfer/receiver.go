package transfer

import (
	"errors"
	"fmt"
	"sort"

	"peerdrop/network"
)

// ErrInvalidStart rejects a fileStart whose size and chunk count cannot describe a file.
var ErrInvalidStart = errors.New("transfer: invalid fileStart")

// Assembled is a completed inbound file.
type Assembled struct {
	FileID      string
	Name        string
	ContentType string
	Data        []byte
}

// Status describes an inbound transfer after a chunk was stored.
type Status struct {
	FileID      string
	Name        string
	ChunkIndex  int
	Received    int
	TotalChunks int
	Bytes       int64
	Size        int64
}

type receiveState struct {
	fileID        string
	name          string
	size          int64
	totalChunks   int
	slots         map[int][]byte
	receivedCount int
	bytes         int64
}

// Receiver reassembles inbound files. It is not safe for concurrent use.
type Receiver struct {
	states map[string]*receiveState
}

// NewReceiver returns a receiver with no transfers in flight.
func NewReceiver() *Receiver {
	return &Receiver{states: make(map[string]*receiveState)}
}

// Begin allocates fresh state for msg, replacing any state with the same id.
// A transfer without chunks completes immediately. Every chunk carries at
// least one byte, so a start announcing more chunks than bytes is rejected
// and leaves existing state untouched.
func (r *Receiver) Begin(msg network.FileStart) (*Assembled, error) {
	if msg.Size < 0 || msg.TotalChunks < 0 || int64(msg.TotalChunks) > msg.Size {
		return nil, fmt.Errorf("%w: %d chunks for %d bytes", ErrInvalidStart, msg.TotalChunks, msg.Size)
	}
	state := &receiveState{
		fileID:      msg.FileID,
		name:        msg.Name,
		size:        msg.Size,
		totalChunks: msg.TotalChunks,
		slots:       make(map[int][]byte),
	}
	if state.totalChunks == 0 {
		delete(r.states, msg.FileID)
		return state.assemble(), nil
	}
	r.states[msg.FileID] = state
	return nil, nil
}

// Accept stores one chunk. ok is false when the chunk matched no transfer.
// done is non-nil once the transfer completed; its state is discarded.
func (r *Receiver) Accept(msg network.FileChunk) (status Status, done *Assembled, ok bool) {
	state, exists := r.states[msg.FileID]
	if !exists || msg.ChunkIndex < 0 || msg.ChunkIndex >= state.totalChunks {
		return Status{}, nil, false
	}

	if previous, filled := state.slots[msg.ChunkIndex]; filled {
		state.bytes += int64(len(msg.Data) - len(previous))
	} else {
		state.receivedCount++
		state.bytes += int64(len(msg.Data))
	}
	state.slots[msg.ChunkIndex] = msg.Data

	status = Status{
		FileID:      state.fileID,
		Name:        state.name,
		ChunkIndex:  msg.ChunkIndex,
		Received:    state.receivedCount,
		TotalChunks: state.totalChunks,
		Bytes:       state.bytes,
		Size:        state.size,
	}
	if msg.IsLast || state.receivedCount == state.totalChunks {
		delete(r.states, msg.FileID)
		return status, state.assemble(), true
	}
	return status, nil, true
}

// Pending returns the number of inbound transfers in flight.
func (r *Receiver) Pending() int {
	return len(r.states)
}

// Reset discards all inbound state.
func (r *Receiver) Reset() {
	clear(r.states)
}

// assemble concatenates filled slots by ascending index; missing slots contribute nothing.
func (s *receiveState) assemble() *Assembled {
	indexes := make([]int, 0, len(s.slots))
	size := 0
	for index, slot := range s.slots {
		indexes = append(indexes, index)
		size += len(slot)
	}
	sort.Ints(indexes)

	data := make([]byte, 0, size)
	for _, index := range indexes {
		data = append(data, s.slots[index]...)
	}
	return &Assembled{
		FileID:      s.fileID,
		Name:        s.name,
		ContentType: ContentType(s.name),
		Data:        data,
	}
}
