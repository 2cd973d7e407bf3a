package iptcpstack

import "go.uber.org/zap"

type options struct {
	logger  *zap.Logger
	metrics *Metrics
}

// Option configures a TCPStack or a VTCPListener.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		// Unregistered counters keep the call sites unconditional.
		o.metrics, _ = NewMetrics(nil)
	}
	return o
}
