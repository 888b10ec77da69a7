package main

import (
	"sync"

	"peerdrop/models"
)

// fetchTracker remembers which remote offers were requested on the current
// connection. It is reset on disconnect since a torn-down transfer must be
// requested again.
type fetchTracker struct {
	mu        sync.Mutex
	requested map[string]bool
}

func newFetchTracker() *fetchTracker {
	return &fetchTracker{requested: make(map[string]bool)}
}

// unrequested marks and returns the ids in files not requested yet.
func (f *fetchTracker) unrequested(files []models.File) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(files))
	for _, file := range files {
		if !f.requested[file.ID] {
			f.requested[file.ID] = true
			ids = append(ids, file.ID)
		}
	}
	return ids
}

func (f *fetchTracker) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.requested)
}
