package main

import (
	"math"
	"math/rand"
	"time"

	"github.com/haasonsaas/gearwatch/pkg/detector"
)

// localFloodThreshold is the inbound packet rate at which the agent raises
// its own attack alert, independent of the collector's detector.
const localFloodThreshold = 100

// sampler produces simulated readings for one peripheral. Flood injects an
// inbound packet rate on top of the normal background traffic.
type sampler struct {
	deviceType string
	rng        *rand.Rand
	flood      float64

	battery float64
	quality float64
	dpi     int
	polling int
}

type reading struct {
	Payload map[string]any
	// PacketRate is the inbound packet rate seen during the interval.
	PacketRate float64
}

func newSampler(deviceType string, seed int64, flood float64) *sampler {
	return &sampler{
		deviceType: deviceType,
		rng:        rand.New(rand.NewSource(seed)),
		flood:      flood,
		battery:    100,
		quality:    100,
		dpi:        16000,
		polling:    1000,
	}
}

func (s *sampler) next(at time.Time) reading {
	s.battery = math.Max(0, s.battery-s.rng.Float64()*0.1)
	s.quality = math.Max(0, math.Min(100, s.quality+s.rng.Float64()*2-1))

	packetRate := s.rng.Float64() * 5
	if s.flood > 0 {
		packetRate += s.flood
	}

	payload := map[string]any{
		"device_type":        s.deviceType,
		"timestamp":          at.UTC().Format(time.RFC3339),
		"input_rate":         60 + s.rng.Intn(141),
		"response_time_ms":   round2(1 + s.rng.Float64()*4),
		"error_rate":         round2(s.rng.Float64() * 0.5),
		"battery_level":      round2(s.battery),
		"connection_quality": round2(s.quality),
		"events_per_second":  round2(packetRate),
	}
	switch s.deviceType {
	case "mouse":
		payload["dpi"] = s.dpi
		payload["polling_rate"] = s.polling
		payload["clicks_per_second"] = s.rng.Intn(7)
	case "keyboard":
		payload["keys_per_second"] = s.rng.Intn(12)
	case "headset":
		payload["volume"] = 40 + s.rng.Intn(40)
		payload["mic_muted"] = s.rng.Intn(4) == 0
	}
	if packetRate > localFloodThreshold {
		payload["attack_type"] = detector.AttackTypeFor(s.deviceType)
	}
	return reading{Payload: payload, PacketRate: packetRate}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
