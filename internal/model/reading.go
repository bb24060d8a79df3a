package model

import "time"

// Reading is one decoded thermometer observation. Immutable once built;
// the pipeline copies it by value into batches.
type Reading struct {
	DeviceID     string    `json:"device_id"`
	Room         string    `json:"room"`
	TemperatureC float64   `json:"temperature_c"`
	HumidityPct  float64   `json:"humidity_pct"`
	BatteryPct   int       `json:"battery_pct"`
	RSSI         int16     `json:"rssi_dbm"`
	ObservedAt   time.Time `json:"observed_at"`
}
