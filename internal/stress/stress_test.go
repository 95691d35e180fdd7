package stress

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tinyrange/msix/internal/machine"
	"github.com/tinyrange/msix/internal/manifest"
	"github.com/tinyrange/msix/internal/timeslice"
)

func newMachine(t *testing.T, tracker *Tracker) *machine.Machine {
	t.Helper()
	m, err := manifest.Parse([]byte(`
devices:
  - {name: a, slot: "00:01.0", vectors: 8}
  - {name: b, slot: "00:02.0", vectors: 70}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	mach, err := machine.New(m, tracker)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	return mach
}

func TestRunDeliversEveryRing(t *testing.T) {
	tracker := NewTracker(nil)
	mach := newMachine(t, tracker)

	var progress atomic.Int64
	res, err := Run(context.Background(), mach, tracker, Config{
		VCPUs:      8,
		Iterations: 500,
		Seed:       1,
		Progress:   func(n int) { progress.Add(int64(n)) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Operations != 8*500 || progress.Load() != 8*500 {
		t.Fatalf("operations = %d, progress = %d", res.Operations, progress.Load())
	}
	if res.Rings == 0 || res.Deliveries == 0 {
		t.Fatalf("result = %s", res)
	}
	if res.Deliveries > res.Rings {
		t.Fatalf("more deliveries (%d) than rings (%d)", res.Deliveries, res.Rings)
	}
	if got := uint64(mach.Recorder.Count()); got != res.Deliveries {
		t.Fatalf("recorder saw %d deliveries, tracker %d", got, res.Deliveries)
	}
}

func TestVerifyDetectsLoss(t *testing.T) {
	tracker := NewTracker(nil)
	mach := newMachine(t, tracker)
	devices := mach.Devices()
	if err := tracker.bind(devices); err != nil {
		t.Fatalf("bind: %v", err)
	}

	tracker.ring(0, 3)
	err := verify(devices, tracker)
	if !errors.Is(err, ErrLostInterrupt) {
		t.Fatalf("err = %v, want ErrLostInterrupt", err)
	}

	if err := tracker.SignalMSI(0xfee0_0000, 3, 0, devices[0].DeviceID()); err != nil {
		t.Fatal(err)
	}
	if err := verify(devices, tracker); err != nil {
		t.Fatalf("verify after delivery: %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	tracker := NewTracker(nil)
	mach := newMachine(t, tracker)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, mach, tracker, Config{VCPUs: 2, Iterations: 10}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunRecordsTimeslices(t *testing.T) {
	tracker := NewTracker(nil)
	mach := newMachine(t, tracker)

	var buf bytes.Buffer
	w, err := timeslice.NewWriter(&buf, Kinds)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	res, err := Run(context.Background(), mach, tracker, Config{
		VCPUs:      4,
		Iterations: 100,
		Seed:       7,
		Timeslice:  w,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats, err := timeslice.Summarize(&buf)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	total := 0
	for _, s := range stats {
		total += s.Count
		if s.Kind.Name == "ring" && uint64(s.Count) != res.Rings {
			t.Fatalf("ring samples = %d, rings = %d", s.Count, res.Rings)
		}
	}
	if uint64(total) != res.Operations {
		t.Fatalf("samples = %d, operations = %d", total, res.Operations)
	}
}

func TestRunRejectsSharedDeviceID(t *testing.T) {
	tracker := NewTracker(nil)
	mach := newMachine(t, tracker)
	devices := mach.Devices()
	devices[1].SetDeviceID(devices[0].DeviceID())

	_, err := Run(context.Background(), mach, tracker, Config{VCPUs: 1, Iterations: 10})
	if err == nil || !strings.Contains(err.Error(), "share device id") {
		t.Fatalf("err = %v, want shared device id error", err)
	}
}
