package loki

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"thermoscan/internal/model"
)

// Loki push API request body: one stream per label set, values as
// [nanosecond-epoch-string, line] pairs in ascending time order.
type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// line is the log-line body for one reading. Field order is fixed; the
// downstream pipeline parses positionally and must not see fields move
// between deployments.
type line struct {
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
	BatteryPct   int     `json:"battery_pct"`
	Device       string  `json:"device"`
	Room         string  `json:"room"`
}

// encodeBatch groups readings into one stream per room label under the
// shared job/house labels.
func encodeBatch(job, house string, readings []model.Reading) ([]byte, error) {
	byRoom := make(map[string][]model.Reading)
	for _, r := range readings {
		byRoom[r.Room] = append(byRoom[r.Room], r)
	}

	rooms := make([]string, 0, len(byRoom))
	for room := range byRoom {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	req := pushRequest{Streams: make([]stream, 0, len(rooms))}
	for _, room := range rooms {
		group := byRoom[room]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].ObservedAt.Before(group[j].ObservedAt)
		})

		values := make([][2]string, 0, len(group))
		for _, r := range group {
			body, err := json.Marshal(line{
				TemperatureC: r.TemperatureC,
				HumidityPct:  r.HumidityPct,
				BatteryPct:   r.BatteryPct,
				Device:       r.DeviceID,
				Room:         r.Room,
			})
			if err != nil {
				return nil, fmt.Errorf("marshal log line: %w", err)
			}
			values = append(values, [2]string{
				strconv.FormatInt(r.ObservedAt.UnixNano(), 10),
				string(body),
			})
		}

		req.Streams = append(req.Streams, stream{
			Stream: map[string]string{
				"job":   job,
				"house": house,
				"room":  room,
			},
			Values: values,
		})
	}

	return json.Marshal(req)
}
