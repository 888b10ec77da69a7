package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"peerdrop/session"
)

// TransferProgress tracks one transfer's latest progress snapshot.
type TransferProgress struct {
	FileID           string
	Filename         string
	Direction        session.Direction
	BytesTransferred int64
	TotalBytes       int64
	Completed        bool
}

type transferKey struct {
	fileID    string
	direction session.Direction
}

// ProgressView renders one byte-progress bar per active transfer.
type ProgressView struct {
	out      io.Writer
	throttle time.Duration

	mu       sync.Mutex
	bars     map[transferKey]*progressbar.ProgressBar
	progress map[transferKey]TransferProgress
}

// NewProgressView writes bars to out.
func NewProgressView(out io.Writer) *ProgressView {
	return &ProgressView{
		out:      out,
		throttle: 65 * time.Millisecond,
		bars:     make(map[transferKey]*progressbar.ProgressBar),
		progress: make(map[transferKey]TransferProgress),
	}
}

// Update applies one session progress report. It matches session.Options.OnProgress.
func (v *ProgressView) Update(p session.Progress) {
	if v == nil || p.FileID == "" {
		return
	}
	key := transferKey{fileID: p.FileID, direction: p.Direction}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.progress[key] = TransferProgress{
		FileID:           p.FileID,
		Filename:         p.Name,
		Direction:        p.Direction,
		BytesTransferred: p.Bytes,
		TotalBytes:       p.Total,
		Completed:        p.Completed,
	}

	if p.Total <= 0 {
		delete(v.bars, key)
		if p.Completed {
			fmt.Fprintf(v.out, "%s %s (empty)\n", verb(p.Direction), p.Name)
		}
		return
	}

	bar, ok := v.bars[key]
	if !ok {
		bar = progressbar.NewOptions64(p.Total,
			progressbar.OptionSetWriter(v.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", verb(p.Direction), p.Name)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(v.throttle),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(v.out) }),
		)
		v.bars[key] = bar
	}
	_ = bar.Set64(p.Bytes)

	if p.Completed {
		_ = bar.Finish()
		delete(v.bars, key)
	}
}

// Progress returns the latest snapshot for one transfer.
func (v *ProgressView) Progress(fileID string, direction session.Direction) (TransferProgress, bool) {
	if v == nil || fileID == "" {
		return TransferProgress{}, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	progress, ok := v.progress[transferKey{fileID: fileID, direction: direction}]
	return progress, ok
}

// Active reports how many bars are still rendering.
func (v *ProgressView) Active() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.bars)
}

func verb(direction session.Direction) string {
	if direction == session.DirectionSend {
		return "sending"
	}
	return "receiving"
}
