package journal

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupSize bounds how many recent event ids a Dedup remembers.
const DefaultDedupSize = 4096

// Dedup remembers recently delivered event ids so a consumer that
// reconnects with an overlapping index range drops the repeats.
type Dedup struct {
	seen *lru.Cache[string, struct{}]
}

// NewDedup creates a Dedup holding up to size ids.
func NewDedup(size int) *Dedup {
	if size <= 0 {
		size = DefaultDedupSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		panic(err) // only for a non-positive size
	}
	return &Dedup{seen: seen}
}

// Seen records id and reports whether it was already recorded. Empty ids
// are never duplicates.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	ok, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return ok
}

// Dedupe forwards frames from in, dropping event frames whose id d has
// already seen. Control frames always pass. The output closes when in does
// or when ctx is canceled.
func Dedupe(ctx context.Context, in <-chan Frame, d *Dedup) <-chan Frame {
	out := make(chan Frame, frameBuffer)
	go func() {
		defer close(out)
		for {
			var f Frame
			select {
			case <-ctx.Done():
				return
			case next, ok := <-in:
				if !ok {
					return
				}
				f = next
			}
			if f.IsEvent() && d.Seen(f.EventID) {
				continue
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
