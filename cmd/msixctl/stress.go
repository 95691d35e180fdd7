package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/msix/internal/machine"
	"github.com/tinyrange/msix/internal/manifest"
	"github.com/tinyrange/msix/internal/stress"
	"github.com/tinyrange/msix/internal/timeslice"
)

func runStress(args []string) (err error) {
	fs := newFlagSet("stress", "Race simulated vCPUs against doorbells and mask toggles, then check that\nno interrupt was lost.")
	path := fs.String("manifest", "", "Manifest file (default: built-in example)")
	backend := fs.String("backend", "", "Override the manifest backend (log, kvm)")
	vcpus := fs.Int("vcpus", 4, "Number of simulated vCPUs")
	iterations := fs.Int("iterations", 10000, "Operations per vCPU")
	seed := fs.Uint64("seed", 1, "Random seed")
	timesliceFile := fs.String("timeslice-file", "", "Write per-operation latencies to file")
	verbose := fs.Bool("v", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*verbose)

	m, err := loadManifest(*path, *backend)
	if err != nil {
		return err
	}
	if m.Backend == manifest.BackendNone {
		return errors.New("stress needs a backend that delivers interrupts")
	}
	next, closeBackend, err := openBackend(m.Backend)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeBackend(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	tracker := stress.NewTracker(next)
	mach, err := machine.New(m, tracker)
	if err != nil {
		return err
	}

	cfg := stress.Config{
		VCPUs:      *vcpus,
		Iterations: *iterations,
		Seed:       *seed,
	}

	if *timesliceFile != "" {
		f, cerr := os.Create(*timesliceFile)
		if cerr != nil {
			return fmt.Errorf("create timeslice file: %w", cerr)
		}
		defer f.Close()
		w, werr := timeslice.NewWriter(f, stress.Kinds)
		if werr != nil {
			return werr
		}
		defer func() {
			if cerr := w.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		cfg.Timeslice = w
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		pb := progressbar.Default(int64(*vcpus * *iterations))
		defer pb.Close()
		cfg.Progress = func(n int) { _ = pb.Add(n) }
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := stress.Run(ctx, mach, tracker, cfg)
	if err != nil {
		return err
	}
	fmt.Println(res)
	return nil
}
