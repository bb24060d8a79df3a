package pipeline

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"thermoscan/internal/ble"
	"thermoscan/internal/device"
	"thermoscan/internal/govee"
	"thermoscan/internal/model"
)

// Sink receives finished batches. A batch is owned by the sink for the
// duration of one Push call; the pipeline never touches it again.
type Sink interface {
	Push(ctx context.Context, batch []model.Reading) error
}

// Mirror receives individual readings as they are emitted, independent of
// the batch path. Mirror failures never affect delivery.
type Mirror interface {
	PublishReading(r model.Reading) error
}

type Options struct {
	// MinEmitInterval is the per-device rate limit. Readings arriving
	// faster than this are discarded; the thermometers broadcast absolute
	// state, so dropping intermediate broadcasts loses nothing.
	MinEmitInterval time.Duration
	// FlushInterval and MaxBatch bound how long readings sit in the open
	// batch before a delivery is scheduled.
	FlushInterval time.Duration
	MaxBatch      int
	// DeliveryTimeout bounds one whole delivery including its retries, so
	// shutdown lets an in-flight batch finish without waiting forever.
	DeliveryTimeout time.Duration
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Received       uint64 `json:"received"`
	Unsupported    uint64 `json:"unsupported"`
	Malformed      uint64 `json:"malformed"`
	RateLimited    uint64 `json:"rate_limited"`
	Emitted        uint64 `json:"emitted"`
	BatchesSent    uint64 `json:"batches_sent"`
	BatchesDropped uint64 `json:"batches_dropped"`
}

// Pipeline consumes advertisements one at a time in arrival order, applies
// the device filter and decoder, rate-limits per device, and batches
// emitted readings for the sink. Two buffers keep ingestion and delivery
// apart: the open batch accumulates while at most one immutable batch is
// in flight (plus at most one queued behind it).
type Pipeline struct {
	log    *slog.Logger
	filter *device.Filter
	sink   Sink
	mirror Mirror
	opts   Options

	mu       sync.Mutex
	open     []model.Reading
	lastEmit map[string]time.Time
	lastSeen time.Time
	stopped  bool

	pending chan []model.Reading

	received       atomic.Uint64
	unsupported    atomic.Uint64
	malformed      atomic.Uint64
	rateLimited    atomic.Uint64
	emitted        atomic.Uint64
	batchesSent    atomic.Uint64
	batchesDropped atomic.Uint64
}

func New(log *slog.Logger, filter *device.Filter, sink Sink, opts Options) *Pipeline {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 90 * time.Second
	}
	return &Pipeline{
		log:      log,
		filter:   filter,
		sink:     sink,
		opts:     opts,
		lastEmit: make(map[string]time.Time),
		// Capacity 1: one batch may queue behind the in-flight one. When
		// both slots are taken the open batch keeps coalescing instead.
		pending: make(chan []model.Reading, 1),
	}
}

// SetMirror attaches an optional per-reading mirror (e.g. MQTT).
func (p *Pipeline) SetMirror(m Mirror) { p.mirror = m }

// Handle processes one advertisement. It is invoked synchronously from the
// radio callback; all cross-event state lives behind one mutex.
func (p *Pipeline) Handle(adv ble.Advertisement) {
	p.received.Add(1)

	p.mu.Lock()
	p.lastSeen = adv.SeenAt
	p.mu.Unlock()

	label, ok := p.filter.Match(adv.Addr, adv.Payload)
	if !ok {
		p.unsupported.Add(1)
		return
	}

	m, err := govee.Decode(adv.Payload)
	if err != nil {
		p.malformed.Add(1)
		p.log.Debug("dropping malformed advertisement",
			slog.String("addr", adv.Addr),
			slog.String("payload", hex.EncodeToString(adv.Payload)),
			slog.Any("error", err),
		)
		return
	}

	reading := model.Reading{
		DeviceID:     adv.Addr,
		Room:         label,
		TemperatureC: m.TemperatureC,
		HumidityPct:  m.HumidityPct,
		BatteryPct:   m.BatteryPct,
		RSSI:         adv.RSSI,
		ObservedAt:   adv.SeenAt,
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if last, seen := p.lastEmit[adv.Addr]; seen && reading.ObservedAt.Sub(last) < p.opts.MinEmitInterval {
		p.mu.Unlock()
		p.rateLimited.Add(1)
		return
	}
	p.lastEmit[adv.Addr] = reading.ObservedAt
	p.open = append(p.open, reading)
	full := len(p.open) >= p.opts.MaxBatch
	if full {
		p.flushLocked()
	}
	p.mu.Unlock()

	p.emitted.Add(1)
	p.log.Info("reading emitted",
		slog.String("room", label),
		slog.String("addr", adv.Addr),
		slog.Float64("temperature_c", m.TemperatureC),
		slog.Float64("humidity_pct", m.HumidityPct),
		slog.Int("battery_pct", m.BatteryPct),
		slog.Int("rssi", int(adv.RSSI)),
	)

	if p.mirror != nil {
		if err := p.mirror.PublishReading(reading); err != nil {
			p.log.Warn("mirror publish failed",
				slog.String("addr", adv.Addr),
				slog.Any("error", err),
			)
		}
	}
}

// flushLocked moves the open batch to the pending slot if the slot is
// free. Callers hold p.mu. When the slot is occupied the open batch stays
// put and keeps accumulating: bounded buffering by coalescing, never
// concurrent deliveries.
func (p *Pipeline) flushLocked() {
	if len(p.open) == 0 {
		return
	}
	select {
	case p.pending <- p.open:
		p.open = nil
	default:
	}
}

// Run drives the flush timer and the delivery worker until ctx is
// canceled, then performs a final flush and drains in-flight work.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.deliver(ctx)
	}()

	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			p.flushLocked()
			p.mu.Unlock()
		case <-ctx.Done():
			p.mu.Lock()
			p.flushLocked()
			p.stopped = true
			p.mu.Unlock()
			close(p.pending)
			wg.Wait()
			return
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context) {
	for batch := range p.pending {
		// Each delivery gets its own budget detached from the run context
		// so an in-flight batch completes or times out on shutdown instead
		// of being cut off mid-retry.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.DeliveryTimeout)
		err := p.sink.Push(pctx, batch)
		cancel()

		if err != nil {
			p.batchesDropped.Add(1)
			p.log.Warn("batch dropped",
				slog.Int("readings", len(batch)),
				slog.Any("error", err),
			)
			continue
		}
		p.batchesSent.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:       p.received.Load(),
		Unsupported:    p.unsupported.Load(),
		Malformed:      p.malformed.Load(),
		RateLimited:    p.rateLimited.Load(),
		Emitted:        p.emitted.Load(),
		BatchesSent:    p.batchesSent.Load(),
		BatchesDropped: p.batchesDropped.Load(),
	}
}

// LastSeen reports when the radio last produced any advertisement,
// supported or not. Zero until the first event.
func (p *Pipeline) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}
