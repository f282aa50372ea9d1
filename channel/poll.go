package channel

import (
	"context"
	"time"

	"github.com/vitwit/tappay/clients"
)

// runPoll queries block ranges on every tick until ctx is done.
func (f *Feed) runPoll(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !f.pollOnce(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce reads the head and scans up to it. It returns false when ctx is
// done.
func (f *Feed) pollOnce(ctx context.Context) bool {
	head, err := f.src.GetBlockNumber(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		f.log.Warn("poll: read head failed", map[string]any{"error": err})
		return true
	}
	return f.scanTo(ctx, head)
}

// scanTo queries [next, head-1] and advances next past it. The upper bound
// stays one block behind the head some providers refuse to serve yet. On a
// past-head error the window steps back one block. It returns false when
// ctx is done.
func (f *Feed) scanTo(ctx context.Context, head uint64) bool {
	if head == 0 || head-1 < f.next {
		return true
	}
	to := head - 1

	found, err := f.src.GetAssetTransfers(ctx, f.watch.Recipient, f.next, to)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if clients.IsPastHead(err) {
			if f.next > 0 {
				f.next--
			}
			f.log.Debug("range past head, stepping back", map[string]any{"next": f.next, "head": head})
			return true
		}
		f.log.Warn("range query failed", map[string]any{"from": f.next, "to": to, "error": err})
		return true
	}

	for _, c := range found {
		if !f.emit(ctx, c) {
			return false
		}
	}
	f.next = to + 1
	return true
}
