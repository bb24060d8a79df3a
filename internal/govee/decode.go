package govee

import (
	"errors"
	"fmt"
)

// Manufacturer data layout for Govee H5075-class thermometers: a 2-byte
// vendor header followed by 6 bytes of sensor state. The first 3 state
// bytes are a 24-bit big-endian field packing temperature and humidity
// (temp*1000 + humidity in tenths, top bit = negative temperature), byte 4
// is battery percent, the last 2 bytes are reserved.
const (
	HeaderLen  = 2
	sensorLen  = 6
	PayloadLen = HeaderLen + sensorLen

	signBit = 0x800000
)

// Plausible range for the sensor element; anything outside is a corrupt
// advertisement, not a reading.
const (
	minTemperatureC = -40.0
	maxTemperatureC = 85.0
)

// ErrMalformedPayload marks advertisements that carry the vendor header but
// do not decode to a valid reading. Per-event: callers drop the event and
// keep scanning.
var ErrMalformedPayload = errors.New("malformed payload")

// Measurement holds the sensor fields of a single advertisement.
type Measurement struct {
	TemperatureC float64
	HumidityPct  float64
	BatteryPct   int
}

// Decode parses the manufacturer data payload of one advertisement.
// Pure and stateless; returns an ErrMalformedPayload-wrapped error for
// anything that does not decode bit-exactly to an in-range reading.
func Decode(payload []byte) (Measurement, error) {
	if len(payload) < PayloadLen {
		return Measurement{}, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedPayload, len(payload), PayloadLen)
	}

	state := payload[HeaderLen:]
	packed := uint32(state[0])<<16 | uint32(state[1])<<8 | uint32(state[2])

	negative := packed&signBit != 0
	if negative {
		packed &^= signBit
	}

	temp := float64(packed/1000) / 10.0
	if negative {
		temp = -temp
	}
	// packed % 1000 caps humidity at 99.9, which is in range by
	// construction; only temperature and battery need explicit checks.
	hum := float64(packed%1000) / 10.0

	battery := int(state[3])
	if battery > 100 {
		return Measurement{}, fmt.Errorf("%w: battery %d%% out of range", ErrMalformedPayload, battery)
	}
	if temp < minTemperatureC || temp > maxTemperatureC {
		return Measurement{}, fmt.Errorf("%w: temperature %.1f°C out of range", ErrMalformedPayload, temp)
	}

	return Measurement{
		TemperatureC: temp,
		HumidityPct:  hum,
		BatteryPct:   battery,
	}, nil
}
