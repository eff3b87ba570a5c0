package audiobridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner scripts pactl/ffmpeg responses and records invocations.
type fakeRunner struct {
	mu       sync.Mutex
	sinks    string
	sources  string
	info     string
	infoErr  error
	ffmpegFn func(args []string) error
	calls    [][]string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (string, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if name == "ffmpeg" {
		if f.ffmpegFn != nil {
			if err := f.ffmpegFn(args); err != nil {
				return "", err.Error(), err
			}
		}
		return "", "", nil
	}

	switch {
	case len(args) >= 3 && args[0] == "list" && args[2] == "sinks":
		return f.sinks, "", nil
	case len(args) >= 3 && args[0] == "list" && args[2] == "sources":
		return f.sources, "", nil
	case len(args) >= 1 && args[0] == "info":
		return f.info, "", f.infoErr
	case len(args) >= 1 && args[0] == "load-module":
		// Loading makes the device visible on the next listing.
		if strings.Contains(args[1], "null-sink") {
			f.sinks = "42\tat_class_sink\tmodule-null-sink.c"
			return "42", "", nil
		}
		f.sources = "43\tstudent_voice\tmodule-remap-source.c"
		return "43", "", nil
	}
	return "", "", nil
}

func (f *fakeRunner) commandNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, strings.Join(c[:2], " "))
	}
	return out
}

func newBridge(t *testing.T, runner *fakeRunner) *Bridge {
	t.Helper()
	b := New(Config{LogsDir: t.TempDir(), SegmentSeconds: 0.5})
	b.run = runner.run
	return b
}

func TestEnsureReady_LoadsMissingModules(t *testing.T) {
	runner := &fakeRunner{}
	b := newBridge(t, runner)

	status := b.EnsureReady()
	if !status.Ready {
		t.Fatalf("status = %+v, want ready", status)
	}
	if status.ModuleSinkID != "42" || status.ModuleSourceID != "43" {
		t.Errorf("module ids = %q/%q, want 42/43", status.ModuleSinkID, status.ModuleSourceID)
	}
}

func TestEnsureReady_ExistingDevicesNotReloaded(t *testing.T) {
	runner := &fakeRunner{
		sinks:   "7\tat_class_sink\tmodule-null-sink.c",
		sources: "8\tstudent_voice\tmodule-remap-source.c",
	}
	b := newBridge(t, runner)

	status := b.EnsureReady()
	if !status.Ready {
		t.Fatalf("status = %+v, want ready", status)
	}
	for _, call := range runner.commandNames() {
		if call == "pactl load-module" {
			t.Error("load-module invoked although both devices exist")
		}
	}
}

func TestStatus_ParsesDefaultsAndCaches(t *testing.T) {
	runner := &fakeRunner{
		sinks:   "7\tat_class_sink\tmodule-null-sink.c",
		sources: "8\tstudent_voice\tmodule-remap-source.c",
		info:    "Server Name: pulseaudio\nDefault Sink: alsa_output.usb\nDefault Source: alsa_input.usb",
	}
	b := newBridge(t, runner)

	status := b.Status(false)
	if status.DefaultSink != "alsa_output.usb" || status.DefaultSource != "alsa_input.usb" {
		t.Errorf("defaults = %q/%q", status.DefaultSink, status.DefaultSource)
	}
	probes := len(runner.commandNames())

	// Within the cache TTL no further pactl probes run.
	b.Status(false)
	if got := len(runner.commandNames()); got != probes {
		t.Errorf("cached status ran %d extra commands", got-probes)
	}
	b.Status(true)
	if got := len(runner.commandNames()); got == probes {
		t.Error("force refresh did not re-probe")
	}
}

func TestCaptureSegment_PathAndCompletion(t *testing.T) {
	var wrote string
	done := make(chan struct{})
	runner := &fakeRunner{
		sinks:   "7\tat_class_sink\tx",
		sources: "8\tstudent_voice\tx",
		ffmpegFn: func(args []string) error {
			wrote = args[len(args)-1]
			err := os.WriteFile(wrote, []byte("RIFF"), 0o644)
			close(done)
			return err
		},
	}
	b := newBridge(t, runner)

	path, err := b.CaptureSegment("log1", "seg-1-abc")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "seg-1-abc.wav" {
		t.Errorf("path = %q, want seg-1-abc.wav under the run dir", path)
	}
	if filepath.Base(filepath.Dir(path)) != "log1" {
		t.Errorf("path = %q, want audio/log1 parent", path)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never ran")
	}
	waitForJobState(t, b, "seg-1-abc", "done")
}

func TestCaptureSegment_FailureRecorded(t *testing.T) {
	done := make(chan struct{})
	runner := &fakeRunner{
		ffmpegFn: func(args []string) error {
			close(done)
			return errors.New("device busy")
		},
	}
	b := newBridge(t, runner)

	if _, err := b.CaptureSegment("", "seg-bad"); err != nil {
		t.Fatal(err)
	}
	<-done
	job := waitForJobState(t, b, "seg-bad", "failed")
	if job.Error == "" {
		t.Error("failed job has no error")
	}
	if job.FlowRunID != "" {
		t.Errorf("FlowRunID = %q, want empty", job.FlowRunID)
	}
}

func waitForJobState(t *testing.T, b *Bridge, segmentID, want string) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, job := range b.Status(true).CaptureJobs {
			if job.SegmentID == segmentID && job.State == want {
				return job
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("segment %s never reached state %s", segmentID, want)
	return Job{}
}

func TestPlayWav_MissingFile(t *testing.T) {
	b := newBridge(t, &fakeRunner{})
	if _, err := b.PlayWav(filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Fatal("expected error for missing wav")
	}
}

func TestPlayWav_NotReady(t *testing.T) {
	runner := &fakeRunner{}
	b := newBridge(t, runner)
	// Break module loading so EnsureReady cannot establish the pair.
	b.run = func(ctx context.Context, name string, args ...string) (string, string, error) {
		return "", "no pulse", errors.New("no pulse")
	}

	wav := filepath.Join(t.TempDir(), "a.wav")
	os.WriteFile(wav, []byte("RIFF"), 0o644)
	if _, err := b.PlayWav(wav); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestPlayWav_StartsPlayback(t *testing.T) {
	done := make(chan struct{})
	runner := &fakeRunner{
		sinks:   "7\tat_class_sink\tx",
		sources: "8\tstudent_voice\tx",
		ffmpegFn: func(args []string) error {
			close(done)
			return nil
		},
	}
	b := newBridge(t, runner)

	wav := filepath.Join(t.TempDir(), "a.wav")
	os.WriteFile(wav, []byte("RIFF"), 0o644)
	res, err := b.PlayWav(wav)
	if err != nil {
		t.Fatal(err)
	}
	if res.PlayID == "" {
		t.Error("empty play id")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never ran")
	}
}

func TestSlug(t *testing.T) {
	cases := []struct{ in, want string }{
		{"log1", "log1"},
		{"Log 1", "log_1"},
		{"a/b\\c", "a_b_c"},
		{"seg-1.wav", "seg-1.wav"},
		{"", "run"},
		{"  ", "run"},
	}
	for _, tc := range cases {
		if got := Slug(tc.in); got != tc.want {
			t.Errorf("Slug(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
