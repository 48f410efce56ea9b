package models

import (
	"strings"
	"time"
)

// PrinterStatus is the normalized printer state reported by the printer API.
// Comparisons are case-insensitive everywhere; ParseStatus does the folding.
type PrinterStatus string

const (
	StatusPrinting PrinterStatus = "printing"
	StatusPaused   PrinterStatus = "paused"
	StatusResuming PrinterStatus = "resuming"
	StatusIdle     PrinterStatus = "idle"
	StatusComplete PrinterStatus = "complete"
	StatusStopped  PrinterStatus = "stopped"
	StatusError    PrinterStatus = "error"
	StatusStandby  PrinterStatus = "standby"
	StatusUnknown  PrinterStatus = "unknown"
)

// ParseStatus maps a raw printer state string to a PrinterStatus.
// States the printer reports that we don't model collapse to unknown.
func ParseStatus(raw string) PrinterStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "printing":
		return StatusPrinting
	case "paused":
		return StatusPaused
	case "resuming":
		return StatusResuming
	case "idle":
		return StatusIdle
	case "complete":
		return StatusComplete
	case "stopped":
		return StatusStopped
	case "error":
		return StatusError
	case "standby":
		return StatusStandby
	default:
		return StatusUnknown
	}
}

// PrinterState is an immutable snapshot of the printer, produced by the
// poller and consumed by the print orchestrator. Progress is normalized to
// the 0..100 range regardless of what the printer API reports.
type PrinterState struct {
	Status          PrinterStatus `json:"status"`
	Filename        string        `json:"filename,omitempty"`
	ProgressPercent float64       `json:"progress_percent"`
	CurrentLayer    int           `json:"current_layer"`
	TotalLayers     int           `json:"total_layers"`
	Remaining       time.Duration `json:"remaining"`
}

// ActivelyPrinting reports whether the printer is mid-job (including pauses).
func (s PrinterState) ActivelyPrinting() bool {
	switch s.Status {
	case StatusPrinting, StatusPaused, StatusResuming:
		return true
	}
	return false
}

// Done reports whether the printer is in a settled, non-printing state.
func (s PrinterState) Done() bool {
	switch s.Status {
	case StatusIdle, StatusComplete, StatusStopped, StatusError, StatusStandby:
		return true
	}
	return false
}

// Equivalent reports whether two snapshots would be duplicates from the
// poller's point of view: same state, filename, layer and progress.
func (s PrinterState) Equivalent(o PrinterState) bool {
	return s.Status == o.Status &&
		strings.EqualFold(s.Filename, o.Filename) &&
		s.CurrentLayer == o.CurrentLayer &&
		s.ProgressPercent == o.ProgressPercent
}

// Broadcast is a live platform-side broadcast resource.
type Broadcast struct {
	BroadcastID   string `json:"broadcast_id"`
	IngestAddress string `json:"ingest_address"`
	StreamKey     string `json:"stream_key"`
}

// RtmpURL composes the full push URL for the encoder.
func (b Broadcast) RtmpURL() string {
	if b.IngestAddress == "" || b.StreamKey == "" {
		return ""
	}
	return strings.TrimSuffix(b.IngestAddress, "/") + "/" + b.StreamKey
}

// BroadcastRecord is the persisted form of a broadcast, keyed by Context.
// The latest record for a context replaces the previous one on disk.
type BroadcastRecord struct {
	BroadcastID  string    `json:"broadcastId"`
	RtmpURL      string    `json:"rtmpUrl"`
	StreamKey    string    `json:"streamKey"`
	Context      string    `json:"context"`
	CreatedAtUTC time.Time `json:"createdAtUtc"`
	TTLMinutes   int       `json:"ttlMinutes"`
}

// Expired reports whether the record is older than its TTL at the given time.
func (r BroadcastRecord) Expired(now time.Time) bool {
	if r.TTLMinutes <= 0 {
		return true
	}
	return now.Sub(r.CreatedAtUTC) > time.Duration(r.TTLMinutes)*time.Minute
}

// OverlayOptions describes the drawtext/drawbox banner burned into the
// outgoing video when overlay is enabled and the mix endpoint is not.
type OverlayOptions struct {
	FontFile       string
	FontSize       int
	FontColor      string
	Box            bool
	BoxColor       string
	BoxBorderWidth int
	X              string
	Y              string
	BannerFraction float64
	Text           string
}

// EncoderSpec is the immutable parameter tuple an encoder instance is
// launched with. Destination empty means local-only (no RTMP push).
type EncoderSpec struct {
	Source      string
	Destination string
	TargetFps   int
	BitrateKbps int
	Overlay     *OverlayOptions
	AudioSource string
}

// StreamHealth is a point-in-time health snapshot of the streaming stack.
type StreamHealth struct {
	EncoderRunning bool      `json:"encoder_running"`
	Broadcasting   bool      `json:"broadcasting"`
	BroadcastID    string    `json:"broadcast_id,omitempty"`
	CPUPercent     float64   `json:"cpu_percent"`
	RAMPercent     float64   `json:"ram_percent"`
	CheckedAt      time.Time `json:"checked_at"`
}
