package channel

import (
	"context"
	"errors"
	"time"

	"github.com/vitwit/tappay/clients"
	"github.com/vitwit/tappay/metrics"
)

var errStreamClosed = errors.New("stream closed")

// runPush keeps a subscription open, reconnecting after drops. It returns
// true once MaxReconnectAttempts consecutive connects have failed and false
// when ctx is done.
func (f *Feed) runPush(ctx context.Context) bool {
	failures := 0
	for {
		stream, err := f.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			failures++
			f.log.Warn("push connect failed", map[string]any{"attempt": failures, "error": err})
			if failures >= f.cfg.MaxReconnectAttempts {
				return true
			}
			if !sleep(ctx, f.cfg.ReconnectDelay) {
				return false
			}
			continue
		}

		failures = 0
		err = f.consume(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return false
		}

		f.metrics.IncCounter(metrics.ChannelReconnect, f.labels)
		f.log.Warn("push stream dropped, reconnecting", map[string]any{"error": err})
		if !sleep(ctx, f.cfg.ReconnectDelay) {
			return false
		}
	}
}

func (f *Feed) connect(ctx context.Context) (clients.Stream, error) {
	cctx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	filter := clients.SubscriptionFilter{Recipient: f.watch.Recipient}
	if !f.watch.Token.IsNative() {
		filter.Token = f.watch.Token.Address
	}
	return f.sub.Subscribe(cctx, filter)
}

// consume forwards stream events until the stream drops or ctx is done.
// Each new head schedules one delayed range scan from the last scanned
// block, so transfers mined before the subscription was up or while it was
// reconnecting are still delivered. Token watches also re-query recent
// Transfer logs.
func (f *Feed) consume(ctx context.Context, stream clients.Stream) error {
	var (
		requery  <-chan time.Time
		lastHead uint64
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-stream.Err():
			if err == nil {
				err = errStreamClosed
			}
			return err

		case c, ok := <-stream.Transfers():
			if !ok {
				return errStreamClosed
			}
			if !f.emit(ctx, c) {
				return ctx.Err()
			}

		case h, ok := <-stream.Heads():
			if !ok {
				return errStreamClosed
			}
			if h > lastHead {
				lastHead = h
			}
			if requery == nil {
				requery = time.After(f.cfg.RequeryDelay)
			}

		case <-requery:
			requery = nil
			if !f.scanTo(ctx, lastHead) {
				return ctx.Err()
			}
			if !f.watch.Token.IsNative() && !f.requeryTokenTransfers(ctx, lastHead) {
				return ctx.Err()
			}
		}
	}
}

// requeryTokenTransfers looks for Transfer logs of the watched token in the
// last RequeryDepth blocks up to head. It returns false when ctx is done.
func (f *Feed) requeryTokenTransfers(ctx context.Context, head uint64) bool {
	from := f.startBlock
	if f.cfg.RequeryDepth > 0 && head+1 > f.cfg.RequeryDepth && head+1-f.cfg.RequeryDepth > from {
		from = head + 1 - f.cfg.RequeryDepth
	}
	if head < from {
		return true
	}

	found, err := f.src.GetTokenTransfers(ctx, f.watch.Token.Address, f.watch.Recipient, from, head)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		f.log.Debug("token transfer re-query failed", map[string]any{"from": from, "to": head, "error": err})
		return true
	}
	for _, c := range found {
		if !f.emit(ctx, c) {
			return false
		}
	}
	return true
}
