package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"thermoscan/internal/ble"
	"thermoscan/internal/device"
	"thermoscan/internal/model"
)

var validPayload = []byte{0x88, 0xEC, 0x03, 0xE8, 0x0B, 0x64, 0x00, 0x00}

type captureSink struct {
	mu      sync.Mutex
	batches [][]model.Reading
	err     error

	started chan struct{} // signaled at the start of every Push, if set
	proceed chan struct{} // Push blocks on this until closed, if set
}

func (s *captureSink) Push(ctx context.Context, batch []model.Reading) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.proceed != nil {
		<-s.proceed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *captureSink) all() [][]model.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]model.Reading(nil), s.batches...)
}

func (s *captureSink) readings() []model.Reading {
	var out []model.Reading
	for _, b := range s.all() {
		out = append(out, b...)
	}
	return out
}

func testFilter() *device.Filter {
	return device.NewFilter([2]byte{0x88, 0xEC}, map[string]string{
		"A4:C1:38:AA:BB:CC": "bedroom",
	})
}

func advert(addr string, payload []byte, at time.Time) ble.Advertisement {
	return ble.Advertisement{
		Addr:    addr,
		RSSI:    -60,
		Payload: payload,
		SeenAt:  at,
	}
}

// runPipeline starts p.Run and returns a stop func that cancels, drains
// and waits for completion.
func runPipeline(t *testing.T, p *Pipeline) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not shut down")
		}
	}
}

func TestPipeline_RateLimiting(t *testing.T) {
	sink := &captureSink{}
	p := New(slog.Default(), testFilter(), sink, Options{
		MinEmitInterval: time.Minute,
		FlushInterval:   time.Hour, // flush only on shutdown
		MaxBatch:        100,
	})
	stop := runPipeline(t, p)

	base := time.Now()
	p.Handle(advert("A4:C1:38:AA:BB:CC", validPayload, base))
	p.Handle(advert("A4:C1:38:AA:BB:CC", validPayload, base.Add(2*time.Second)))  // inside window: discarded
	p.Handle(advert("A4:C1:38:AA:BB:CC", validPayload, base.Add(time.Minute)))    // window elapsed: emitted
	p.Handle(advert("A4:C1:38:00:11:22", validPayload, base.Add(3*time.Second)))  // new device: emitted immediately

	stop()

	got := sink.readings()
	if len(got) != 3 {
		t.Fatalf("sink received %d readings, want 3", len(got))
	}
	stats := p.Stats()
	if stats.RateLimited != 1 {
		t.Errorf("Stats().RateLimited = %d, want 1", stats.RateLimited)
	}
	if stats.Emitted != 3 {
		t.Errorf("Stats().Emitted = %d, want 3", stats.Emitted)
	}
}

// Advertisements must be emitted when shaped exactly as the listener
// builds them: the radio stack hands over the company ID separately, and
// the listener restores it in front of the data bytes.
func TestPipeline_EmitsListenerShapedAdvertisement(t *testing.T) {
	sink := &captureSink{}
	p := New(slog.Default(), testFilter(), sink, Options{
		MinEmitInterval: time.Minute,
		FlushInterval:   time.Hour,
		MaxBatch:        100,
	})
	stop := runPipeline(t, p)

	adv := ble.NewAdvertisement("A4:C1:38:AA:BB:CC", -60, "GVH5075_AABB", 0xEC88,
		[]byte{0x03, 0xE8, 0x0B, 0x64, 0x00, 0x00}, time.Now())
	p.Handle(adv)
	stop()

	got := sink.readings()
	if len(got) != 1 {
		t.Fatalf("sink received %d readings, want 1", len(got))
	}
	if got[0].TemperatureC != 25.6 || got[0].HumidityPct != 1.1 || got[0].BatteryPct != 100 {
		t.Errorf("reading = %+v, want 25.6C / 1.1%% / 100%%", got[0])
	}
	stats := p.Stats()
	if stats.Unsupported != 0 || stats.Emitted != 1 {
		t.Errorf("Stats() = %+v, want Unsupported 0, Emitted 1", stats)
	}
}

func TestPipeline_DropsUnsupportedAndMalformed(t *testing.T) {
	sink := &captureSink{}
	p := New(slog.Default(), testFilter(), sink, Options{
		MinEmitInterval: time.Minute,
		FlushInterval:   time.Hour,
		MaxBatch:        100,
	})
	stop := runPipeline(t, p)

	now := time.Now()
	p.Handle(advert("11:22:33:44:55:66", []byte{0x4C, 0x00, 1, 2, 3, 4, 5, 6}, now)) // wrong vendor
	p.Handle(advert("A4:C1:38:AA:BB:CC", []byte{0x88, 0xEC, 0x03}, now))             // too short
	p.Handle(advert("A4:C1:38:AA:BB:CC", []byte{0x88, 0xEC, 0x03, 0xE8, 0x0B, 101, 0, 0}, now)) // battery 101
	p.Handle(advert("A4:C1:38:AA:BB:CC", validPayload, now))

	stop()

	if got := sink.readings(); len(got) != 1 {
		t.Fatalf("sink received %d readings, want 1", len(got))
	}
	stats := p.Stats()
	if stats.Unsupported != 2 {
		t.Errorf("Stats().Unsupported = %d, want 2 (wrong vendor + short payload)", stats.Unsupported)
	}
	if stats.Malformed != 1 {
		t.Errorf("Stats().Malformed = %d, want 1", stats.Malformed)
	}
}

func TestPipeline_CoalescesWhileDeliveryInFlight(t *testing.T) {
	sink := &captureSink{
		started: make(chan struct{}, 10),
		proceed: make(chan struct{}),
	}
	p := New(slog.Default(), testFilter(), sink, Options{
		MinEmitInterval: time.Millisecond,
		FlushInterval:   time.Hour,
		MaxBatch:        1, // every reading tries to flush
	})
	stop := runPipeline(t, p)

	base := time.Now()
	devices := []string{"A4:C1:38:00:00:01", "A4:C1:38:00:00:02", "A4:C1:38:00:00:03", "A4:C1:38:00:00:04"}

	p.Handle(advert(devices[0], validPayload, base))
	<-sink.started // first batch is in flight and blocked

	p.Handle(advert(devices[1], validPayload, base)) // takes the single pending slot
	p.Handle(advert(devices[2], validPayload, base)) // slot full: stays in the open batch
	p.Handle(advert(devices[3], validPayload, base)) // coalesces with the previous one

	close(sink.proceed)

	// Let both scheduled batches land so the final shutdown flush finds
	// the pending slot free.
	deadline := time.Now().Add(5 * time.Second)
	for p.Stats().BatchesSent < 2 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled batches were never delivered")
		}
		time.Sleep(time.Millisecond)
	}

	stop()

	batches := sink.all()
	if len(batches) != 3 {
		t.Fatalf("sink received %d batches, want 3", len(batches))
	}
	if len(batches[0]) != 1 || len(batches[1]) != 1 {
		t.Errorf("first two batches sized %d, %d; want 1, 1", len(batches[0]), len(batches[1]))
	}
	if len(batches[2]) != 2 {
		t.Errorf("coalesced batch sized %d, want 2", len(batches[2]))
	}
	if got := len(sink.readings()); got != 4 {
		t.Errorf("total readings = %d, want 4 (no loss, no duplication)", got)
	}
}

func TestPipeline_ContinuesAfterDroppedBatch(t *testing.T) {
	sink := &captureSink{err: errors.New("sink down")}
	p := New(slog.Default(), testFilter(), sink, Options{
		MinEmitInterval: time.Millisecond,
		FlushInterval:   time.Hour,
		MaxBatch:        1,
	})
	stop := runPipeline(t, p)

	base := time.Now()
	p.Handle(advert("A4:C1:38:00:00:01", validPayload, base))

	// Wait for the failing delivery to land before sending the next one.
	deadline := time.Now().Add(5 * time.Second)
	for p.Stats().BatchesDropped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first batch was never delivered")
		}
		time.Sleep(time.Millisecond)
	}

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	p.Handle(advert("A4:C1:38:00:00:02", validPayload, base))
	stop()

	stats := p.Stats()
	if stats.BatchesDropped != 1 {
		t.Errorf("Stats().BatchesDropped = %d, want 1", stats.BatchesDropped)
	}
	if stats.BatchesSent != 1 {
		t.Errorf("Stats().BatchesSent = %d, want 1", stats.BatchesSent)
	}
}

func TestPipeline_FinalFlushOnShutdown(t *testing.T) {
	sink := &captureSink{}
	p := New(slog.Default(), testFilter(), sink, Options{
		MinEmitInterval: time.Minute,
		FlushInterval:   time.Hour,
		MaxBatch:        100,
	})
	stop := runPipeline(t, p)

	p.Handle(advert("A4:C1:38:AA:BB:CC", validPayload, time.Now()))
	stop()

	if got := len(sink.readings()); got != 1 {
		t.Errorf("sink received %d readings after shutdown, want 1", got)
	}
}

type captureMirror struct {
	mu       sync.Mutex
	readings []model.Reading
}

func (m *captureMirror) PublishReading(r model.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
	return nil
}

func TestPipeline_MirrorSeesEmittedReadings(t *testing.T) {
	sink := &captureSink{}
	mirror := &captureMirror{}
	p := New(slog.Default(), testFilter(), sink, Options{
		MinEmitInterval: time.Minute,
		FlushInterval:   time.Hour,
		MaxBatch:        100,
	})
	p.SetMirror(mirror)
	stop := runPipeline(t, p)

	base := time.Now()
	p.Handle(advert("A4:C1:38:AA:BB:CC", validPayload, base))
	p.Handle(advert("A4:C1:38:AA:BB:CC", validPayload, base.Add(time.Second))) // rate limited

	stop()

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.readings) != 1 {
		t.Fatalf("mirror received %d readings, want 1", len(mirror.readings))
	}
	if mirror.readings[0].Room != "bedroom" {
		t.Errorf("mirror reading room = %q, want bedroom", mirror.readings[0].Room)
	}
}
