package relay

import (
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lisuiheng/voicecall-go/relay"

// Metrics holds the relay's instruments. All fields are safe for concurrent
// use.
type Metrics struct {
	// Clients counts open channels. Attribute "channel" is control or audio.
	Clients metric.Int64UpDownCounter
	Calls   metric.Int64UpDownCounter
	// Signals counts routed control signals by "type".
	Signals metric.Int64Counter
	Frames  metric.Int64Counter
	Bytes   metric.Int64Counter
}

// NewMetrics creates the instruments on mp. Tests pass a noop or manual
// reader provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var (
		met Metrics
		err error
	)
	if met.Clients, err = m.Int64UpDownCounter("voicecall.relay.clients",
		metric.WithDescription("Connected channels")); err != nil {
		return nil, err
	}
	if met.Calls, err = m.Int64UpDownCounter("voicecall.relay.calls",
		metric.WithDescription("Calls with audio routing state")); err != nil {
		return nil, err
	}
	if met.Signals, err = m.Int64Counter("voicecall.relay.signals",
		metric.WithDescription("Control signals routed")); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("voicecall.relay.frames",
		metric.WithDescription("Audio frames delivered")); err != nil {
		return nil, err
	}
	if met.Bytes, err = m.Int64Counter("voicecall.relay.bytes",
		metric.WithDescription("Audio bytes delivered"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	return &met, nil
}
