package server

import (
	"sync"
	"time"

	"github.com/lecternhq/lectern/internal/audiobridge"
	"github.com/lecternhq/lectern/internal/runlog"
)

// BridgeService abstracts the audio bridge so tests can stub it.
type BridgeService interface {
	EnsureReady() audiobridge.Status
	Status(forceRefresh bool) audiobridge.Status
	CaptureSegment(flowRunID, segmentID string) (string, error)
	PlayWav(wavPath string) (audiobridge.PlayResult, error)
}

const (
	ensureIntervalCold  = 800 * time.Millisecond
	ensureIntervalReady = 4 * time.Second
)

// bridgeManager throttles EnsureReady probes and emits the
// audio_bridge_ready event exactly once. The bridge may be nil, in
// which case capture degrades to a no-op and status reports it.
type bridgeManager struct {
	mu           sync.Mutex
	bridge       BridgeService
	log          *runlog.Log
	lastEnsureMs int64
	readyLogged  bool
	now          func() int64
}

func newBridgeManager(bridge BridgeService, log *runlog.Log) *bridgeManager {
	return &bridgeManager{
		bridge: bridge,
		log:    log,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// ensure runs a throttled readiness probe. Probes retry quickly until
// the bridge first reports ready, then back off.
func (m *bridgeManager) ensure() BridgeService {
	m.mu.Lock()
	if m.bridge == nil {
		m.mu.Unlock()
		return nil
	}
	interval := ensureIntervalCold
	if m.readyLogged {
		interval = ensureIntervalReady
	}
	nowMs := m.now()
	due := nowMs-m.lastEnsureMs > interval.Milliseconds()
	if due {
		m.lastEnsureMs = nowMs
	}
	bridge := m.bridge
	m.mu.Unlock()

	if due {
		m.observe(bridge.EnsureReady())
	}
	return bridge
}

// observe records the one-time ready event.
func (m *bridgeManager) observe(status audiobridge.Status) {
	if !status.Ready {
		return
	}
	m.mu.Lock()
	first := !m.readyLogged
	m.readyLogged = true
	m.mu.Unlock()
	if first {
		m.log.Record("audio_bridge_ready", map[string]any{
			"sink_name":     status.SinkName,
			"source_name":   status.SourceName,
			"sink_exists":   status.SinkExists,
			"source_exists": status.SourceExists,
		}, "info")
	}
}

// CaptureSegment records a response segment when a bridge is present.
// Without one, delivery proceeds without an audio reference.
func (m *bridgeManager) CaptureSegment(flowRunID, segmentID string) (string, error) {
	bridge := m.ensure()
	if bridge == nil {
		return "", nil
	}
	return bridge.CaptureSegment(flowRunID, segmentID)
}

// statusPayload is the audio_bridge block of the status endpoint.
func (m *bridgeManager) statusPayload() any {
	m.mu.Lock()
	bridge := m.bridge
	m.mu.Unlock()
	if bridge == nil {
		return map[string]any{"ready": false, "error": "audio_bridge_unavailable"}
	}
	status := bridge.Status(false)
	m.observe(status)
	return status
}
