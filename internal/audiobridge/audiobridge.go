// Package audiobridge manages the PulseAudio null-sink/remap-source
// pair used to feed synthesized speech into a virtual microphone, and
// records short capture segments of it with ffmpeg.
package audiobridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lecternhq/lectern/internal/ring"
)

const (
	DefaultSinkName       = "at_class_sink"
	DefaultSourceName     = "student_voice"
	DefaultSegmentSeconds = 4.0

	minSegmentSeconds = 0.2
	statusCacheTTL    = 2500 * time.Millisecond
	jobTail           = 20
	jobHistory        = 100
)

// ErrNotReady is returned by PlayWav when the sink pair could not be
// established.
var ErrNotReady = errors.New("audiobridge: not ready")

// Job tracks one asynchronous capture or playback run.
type Job struct {
	SegmentID  string  `json:"segment_id,omitempty"`
	FlowRunID  string  `json:"flow_run_id,omitempty"`
	PlayID     string  `json:"play_id,omitempty"`
	AudioRef   string  `json:"audio_ref,omitempty"`
	WavPath    string  `json:"wav_path,omitempty"`
	State      string  `json:"state"`
	Error      string  `json:"error,omitempty"`
	StartedTs  int64   `json:"started_ts"`
	FinishedTs int64   `json:"finished_ts,omitempty"`
	DurationS  float64 `json:"duration_s,omitempty"`
}

// Status is the bridge health snapshot surfaced on the status endpoint.
type Status struct {
	Ready          bool   `json:"ready"`
	SinkName       string `json:"sink_name"`
	SourceName     string `json:"source_name"`
	SinkExists     bool   `json:"sink_exists"`
	SourceExists   bool   `json:"source_exists"`
	DefaultSink    string `json:"default_sink,omitempty"`
	DefaultSource  string `json:"default_source,omitempty"`
	ModuleSinkID   string `json:"module_sink_id,omitempty"`
	ModuleSourceID string `json:"module_source_id,omitempty"`
	CaptureJobs    []Job  `json:"capture_jobs"`
	PlayJobs       []Job  `json:"play_jobs"`
	LastError      string `json:"last_error,omitempty"`
}

// PlayResult reports an accepted playback request.
type PlayResult struct {
	PlayID  string `json:"play_id"`
	WavPath string `json:"wav_path"`
}

// commandRunner executes an external command and returns its trimmed
// stdout and stderr. Swapped out in tests.
type commandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

// Config configures a Bridge. Zero values get defaults.
type Config struct {
	SinkName       string
	SourceName     string
	LogsDir        string
	SegmentSeconds float64
}

// Bridge owns the virtual audio devices. Safe for concurrent use.
type Bridge struct {
	sinkName       string
	sourceName     string
	logsDir        string
	segmentSeconds float64

	mu             sync.Mutex
	captureJobs    *ring.Buffer[*Job]
	playJobs       *ring.Buffer[*Job]
	lastError      string
	moduleSinkID   string
	moduleSourceID string
	cache          *Status
	cacheTs        time.Time

	run commandRunner
	now func() int64
}

// New creates a Bridge rooted at cfg.LogsDir.
func New(cfg Config) *Bridge {
	if cfg.SinkName == "" {
		cfg.SinkName = DefaultSinkName
	}
	if cfg.SourceName == "" {
		cfg.SourceName = DefaultSourceName
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = DefaultSegmentSeconds
	}
	if cfg.SegmentSeconds < minSegmentSeconds {
		cfg.SegmentSeconds = minSegmentSeconds
	}
	return &Bridge{
		sinkName:       cfg.SinkName,
		sourceName:     cfg.SourceName,
		logsDir:        cfg.LogsDir,
		segmentSeconds: cfg.SegmentSeconds,
		captureJobs:    ring.New[*Job](jobHistory),
		playJobs:       ring.New[*Job](jobHistory),
		run:            runCommand,
		now:            func() int64 { return time.Now().UnixMilli() },
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

func (b *Bridge) pactl(timeout time.Duration, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return b.run(ctx, "pactl", args...)
}

func (b *Bridge) listShort(kind string) []string {
	out, _, err := b.pactl(1800*time.Millisecond, "list", "short", kind)
	if err != nil {
		return nil
	}
	var lines []string
	for _, raw := range strings.Split(out, "\n") {
		if raw = strings.TrimSpace(raw); raw != "" {
			lines = append(lines, raw)
		}
	}
	return lines
}

func (b *Bridge) deviceExists(kind, name string) bool {
	needle := "\t" + name + "\t"
	for _, line := range b.listShort(kind) {
		if strings.Contains("\t"+line+"\t", needle) {
			return true
		}
	}
	return false
}

func (b *Bridge) loadModule(args ...string) string {
	out, stderr, err := b.pactl(2500*time.Millisecond, append([]string{"load-module"}, args...)...)
	if err != nil {
		if stderr == "" {
			stderr = "failed: " + strings.Join(args, " ")
		}
		b.lastError = stderr
		return ""
	}
	return strings.TrimSpace(out)
}

// EnsureReady creates the null sink and the remap source when missing
// and reports whether both exist afterwards.
func (b *Bridge) EnsureReady() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = ""
	b.cache = nil

	sinkExists := b.deviceExists("sinks", b.sinkName)
	if !sinkExists {
		b.moduleSinkID = b.loadModule(
			"module-null-sink",
			"sink_name="+b.sinkName,
			"sink_properties=device.description="+b.sinkName,
		)
		sinkExists = b.deviceExists("sinks", b.sinkName)
	}

	sourceExists := b.deviceExists("sources", b.sourceName)
	if !sourceExists {
		b.moduleSourceID = b.loadModule(
			"module-remap-source",
			"source_name="+b.sourceName,
			"master="+b.sinkName+".monitor",
			"source_properties=device.description="+b.sourceName,
		)
		sourceExists = b.deviceExists("sources", b.sourceName)
	}

	return Status{
		Ready:          sinkExists && sourceExists,
		SinkName:       b.sinkName,
		SourceName:     b.sourceName,
		SinkExists:     sinkExists,
		SourceExists:   sourceExists,
		ModuleSinkID:   b.moduleSinkID,
		ModuleSourceID: b.moduleSourceID,
		LastError:      b.lastError,
	}
}

// Status returns the bridge snapshot, serving a short-lived cache of
// the pactl probes unless forceRefresh is set. Job tails are always
// current.
func (b *Bridge) Status(forceRefresh bool) Status {
	b.mu.Lock()
	captureTail := jobSnapshots(b.captureJobs)
	playTail := jobSnapshots(b.playJobs)
	lastError := b.lastError
	moduleSinkID := b.moduleSinkID
	moduleSourceID := b.moduleSourceID
	cache := b.cache
	cacheTs := b.cacheTs
	b.mu.Unlock()

	if !forceRefresh && cache != nil && time.Since(cacheTs) < statusCacheTTL {
		out := *cache
		out.CaptureJobs = captureTail
		out.PlayJobs = playTail
		out.ModuleSinkID = moduleSinkID
		out.ModuleSourceID = moduleSourceID
		if lastError != "" {
			out.LastError = lastError
		}
		return out
	}

	infoOut, infoErr, err := b.pactl(1800*time.Millisecond, "info")
	var defaultSink, defaultSource string
	if err == nil {
		for _, line := range strings.Split(infoOut, "\n") {
			line = strings.TrimSpace(line)
			if v, ok := strings.CutPrefix(line, "Default Sink:"); ok {
				defaultSink = strings.TrimSpace(v)
			} else if v, ok := strings.CutPrefix(line, "Default Source:"); ok {
				defaultSource = strings.TrimSpace(v)
			}
		}
	}

	sinkExists := b.deviceExists("sinks", b.sinkName)
	sourceExists := b.deviceExists("sources", b.sourceName)

	out := Status{
		Ready:          sinkExists && sourceExists,
		SinkName:       b.sinkName,
		SourceName:     b.sourceName,
		SinkExists:     sinkExists,
		SourceExists:   sourceExists,
		DefaultSink:    defaultSink,
		DefaultSource:  defaultSource,
		ModuleSinkID:   moduleSinkID,
		ModuleSourceID: moduleSourceID,
		CaptureJobs:    captureTail,
		PlayJobs:       playTail,
		LastError:      lastError,
	}
	if out.LastError == "" && err != nil {
		out.LastError = infoErr
	}

	b.mu.Lock()
	cached := out
	cached.CaptureJobs = nil
	cached.PlayJobs = nil
	b.cache = &cached
	b.cacheTs = time.Now()
	b.mu.Unlock()
	return out
}

func jobSnapshots(buf *ring.Buffer[*Job]) []Job {
	tail := buf.Tail(jobTail)
	out := make([]Job, len(tail))
	for i, j := range tail {
		out[i] = *j
	}
	return out
}

var slugPattern = regexp.MustCompile(`[^a-z0-9._-]+`)

// Slug reduces an id to a filesystem-safe path component.
func Slug(raw string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "_")
	if s == "" {
		return "run"
	}
	return s
}

// CaptureSegment records segmentSeconds of the virtual microphone into
// <logsDir>/audio/<run>/<segment>.wav. The recording runs in the
// background; the destination path is returned immediately.
func (b *Bridge) CaptureSegment(flowRunID, segmentID string) (string, error) {
	runKey := Slug(flowRunID)
	if flowRunID == "" {
		runKey = "no_run"
	}
	if segmentID == "" {
		segmentID = fmt.Sprintf("seg-%d", b.now())
	}
	outDir := filepath.Join(b.logsDir, "audio", runKey)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("audiobridge: segment dir: %w", err)
	}
	outPath, err := filepath.Abs(filepath.Join(outDir, Slug(segmentID)+".wav"))
	if err != nil {
		return "", fmt.Errorf("audiobridge: segment path: %w", err)
	}
	seconds := b.segmentSeconds

	job := &Job{
		SegmentID: segmentID,
		FlowRunID: flowRunID,
		AudioRef:  outPath,
		State:     "queued",
		StartedTs: b.now(),
		DurationS: seconds,
	}
	b.mu.Lock()
	b.captureJobs.Append(job)
	b.mu.Unlock()

	go func() {
		b.mu.Lock()
		job.State = "running"
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(float64(time.Second)*seconds)+8*time.Second)
		defer cancel()
		_, stderr, err := b.run(ctx, "ffmpeg",
			"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
			"-f", "pulse", "-i", b.sourceName,
			"-t", fmt.Sprintf("%.2f", seconds),
			"-ac", "1", "-ar", "16000",
			outPath,
		)

		b.mu.Lock()
		job.FinishedTs = b.now()
		if err == nil && fileExists(outPath) {
			job.State = "done"
		} else {
			job.State = "failed"
			if stderr == "" {
				stderr = "capture_failed"
			}
			job.Error = stderr
		}
		b.mu.Unlock()
	}()

	return outPath, nil
}

// PlayWav streams a wav file into the virtual sink in the background.
func (b *Bridge) PlayWav(wavPath string) (PlayResult, error) {
	path, err := filepath.Abs(strings.TrimSpace(wavPath))
	if err != nil || !fileExists(path) {
		return PlayResult{}, fmt.Errorf("audiobridge: wav not found: %s", wavPath)
	}
	if status := b.EnsureReady(); !status.Ready {
		return PlayResult{}, ErrNotReady
	}

	job := &Job{
		PlayID:    fmt.Sprintf("play-%d", b.now()),
		WavPath:   path,
		State:     "queued",
		StartedTs: b.now(),
	}
	b.mu.Lock()
	b.playJobs.Append(job)
	b.mu.Unlock()

	go func() {
		b.mu.Lock()
		job.State = "running"
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		_, stderr, err := b.run(ctx, "ffmpeg",
			"-nostdin", "-hide_banner", "-loglevel", "error",
			"-re", "-i", path,
			"-f", "pulse", b.sinkName,
		)

		b.mu.Lock()
		job.FinishedTs = b.now()
		if err == nil {
			job.State = "done"
		} else {
			job.State = "failed"
			if stderr == "" {
				stderr = "play_failed"
			}
			job.Error = stderr
		}
		b.mu.Unlock()
	}()

	return PlayResult{PlayID: job.PlayID, WavPath: path}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
