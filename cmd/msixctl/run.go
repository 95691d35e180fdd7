package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/tinyrange/msix/internal/machine"
)

func runTrace(args []string) (err error) {
	fs := newFlagSet("run", "Build the machine described by a manifest and replay its trace.")
	path := fs.String("manifest", "", "Manifest file (default: built-in example)")
	backend := fs.String("backend", "", "Override the manifest backend (log, kvm, none)")
	verbose := fs.Bool("v", false, "Enable debug logging")
	quiet := fs.Bool("q", false, "Only print the summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*verbose)

	m, err := loadManifest(*path, *backend)
	if err != nil {
		return err
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

	mach, err := machine.New(m, next)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	seen := 0
	err = mach.Run(ctx, m.Trace, func(s machine.Step) {
		if *quiet {
			return
		}
		fmt.Printf("%3d %-18s %-8s", s.Index, s.Op.Op, s.Op.Device)
		if s.Value != 0 {
			fmt.Printf(" value=%#x", s.Value)
		}
		fmt.Println()
		if s.Deliveries > seen {
			for _, d := range mach.Recorder.Deliveries()[seen:s.Deliveries] {
				fmt.Printf("    msi %s %s\n", mach.DeviceName(d.DeviceID), d.Message())
			}
			seen = s.Deliveries
		}
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d steps, %d deliveries\n", mach.Name, len(m.Trace), mach.Recorder.Count())
	return nil
}
