package device

import (
	"strings"

	"thermoscan/internal/govee"
)

// Filter decides whether an advertisement comes from a supported
// thermometer and assigns it a room label. The label registry is static
// for the lifetime of the process.
type Filter struct {
	vendorID [2]byte
	labels   map[string]string
}

func NewFilter(vendorID [2]byte, labels map[string]string) *Filter {
	normalized := make(map[string]string, len(labels))
	for addr, label := range labels {
		normalized[normalizeAddr(addr)] = label
	}
	return &Filter{vendorID: vendorID, labels: normalized}
}

// Match reports whether the payload looks like the supported thermometer
// format and returns the room label for the device. Unsupported
// advertisements are not errors; passive scanning sees plenty of them.
// A supported device without a configured label keeps its raw address.
func (f *Filter) Match(addr string, payload []byte) (string, bool) {
	if len(payload) < govee.PayloadLen {
		return "", false
	}
	if payload[0] != f.vendorID[0] || payload[1] != f.vendorID[1] {
		return "", false
	}
	if label, ok := f.labels[normalizeAddr(addr)]; ok {
		return label, true
	}
	return addr, true
}

func normalizeAddr(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
