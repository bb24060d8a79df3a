package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tinygo.org/x/bluetooth"
)

// Advertisement is a single manufacturer-data broadcast seen by the radio.
type Advertisement struct {
	Addr      string
	RSSI      int16
	LocalName string
	CompanyID uint16
	Payload   []byte
	SeenAt    time.Time
}

// NewAdvertisement rebuilds the on-air manufacturer-data section from the
// split company ID + data the radio stack hands us. BlueZ (and the other
// backends) strip the leading ID out of the section; the filter and
// decoder work on the wire layout, which puts it first in little-endian
// order.
func NewAdvertisement(addr string, rssi int16, localName string, companyID uint16, data []byte, seenAt time.Time) Advertisement {
	payload := make([]byte, 0, 2+len(data))
	payload = append(payload, byte(companyID), byte(companyID>>8))
	payload = append(payload, data...)
	return Advertisement{
		Addr:      addr,
		RSSI:      rssi,
		LocalName: localName,
		CompanyID: companyID,
		Payload:   payload,
		SeenAt:    seenAt,
	}
}

type Options struct {
	Adapter string // "hci0" by default
	// CompanyID, when non-zero, drops manufacturer-data entries from other
	// companies before they reach the handler. Full vendor validation
	// happens downstream.
	CompanyID uint16
}

// Listener wraps BlueZ passive scanning with context cancellation. It
// never initiates a connection; thermometers are observed, not paired.
type Listener struct {
	adapter *bluetooth.Adapter
	opts    Options
}

func NewListener(opts Options) *Listener {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}

	return &Listener{
		adapter: bluetooth.NewAdapter(opts.Adapter),
		opts:    opts,
	}
}

// Run blocks scanning until ctx is canceled or the radio fails. A radio
// failure is returned to the caller; recovery policy (typically a process
// restart) lives above this layer.
func (l *Listener) Run(ctx context.Context, onAdvert func(Advertisement)) error {
	slog.Info("ble: enabling adapter", "adapter", l.opts.Adapter)
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("ble enable (%s): %w", l.opts.Adapter, err)
	}

	go func() {
		<-ctx.Done()
		_ = l.adapter.StopScan()
	}()

	slog.Info("ble: scanning started",
		"adapter", l.opts.Adapter,
		"filter_company", fmt.Sprintf("0x%04X", l.opts.CompanyID),
	)

	// adapter.Scan blocks until StopScan() or error.
	err := l.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if onAdvert == nil {
			return
		}
		l.forward(r.Address.String(), r.RSSI, r.LocalName(), r.ManufacturerData(), onAdvert)
	})

	// If ctx canceled, treat as clean shutdown.
	if ctx.Err() != nil {
		slog.Info("ble: scanning stopped (context canceled)")
		return nil
	}

	if err != nil {
		return fmt.Errorf("ble scan: %w", err)
	}

	slog.Info("ble: scanning stopped")
	return nil
}

// forward hands every manufacturer-data section that passes the optional
// company pre-filter to onAdvert. An advertisement can carry several
// sections (Govee units broadcast an Apple iBeacon section alongside the
// sensor one), so section order must not decide whether a device is seen.
func (l *Listener) forward(addr string, rssi int16, localName string, sections []bluetooth.ManufacturerDataElement, onAdvert func(Advertisement)) {
	for _, md := range sections {
		if l.opts.CompanyID != 0 && md.CompanyID != l.opts.CompanyID {
			continue
		}
		onAdvert(NewAdvertisement(addr, rssi, localName, md.CompanyID, md.Data, time.Now()))
	}
}
