package tappay

import (
	"time"

	"github.com/vitwit/tappay/channel"
	"github.com/vitwit/tappay/logger"
	"github.com/vitwit/tappay/metrics"
	"github.com/vitwit/tappay/notify"
)

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSink sets where status events are published.
func WithSink(s notify.Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

func WithChannelConfig(cfg channel.Config) Option {
	return func(e *Engine) {
		e.channelConfig = cfg
	}
}

func WithVerifyInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.verifyInterval = d
	}
}

func WithTapTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.tapTimeout = d
	}
}

func WithSessionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.sessionTimeout = d
	}
}
