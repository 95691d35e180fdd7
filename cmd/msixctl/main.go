// Command msixctl builds virtual PCI machines with MSI-X doorbell devices and
// drives them: replaying scripted guest accesses, stress testing delivery
// under concurrency and printing capability layouts.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/msix/internal/hv"
	"github.com/tinyrange/msix/internal/hv/kvm"
	"github.com/tinyrange/msix/internal/manifest"
)

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(args []string) error
}

var commands = []command{
	{"run", "replay a manifest trace and print deliveries", runTrace},
	{"stress", "race simulated vCPUs against doorbells and mask toggles", runStress},
	{"layout", "print the MSI-X table and PBA layout for a vector count", runLayout},
	{"init", "write an example manifest", runInit},
	{"timeslice", "summarize a stress latency log", runTimeslice},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.summary)
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			usage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(args[1:])
		}
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return errUsage
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func newFlagSet(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(os.Args[0]+" "+name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s %s [flags]\n\n%s\n\nFlags:\n", os.Args[0], name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadManifest reads path, or returns the example manifest when path is
// empty, and applies a backend override.
func loadManifest(path, backend string) (manifest.Manifest, error) {
	var (
		m   manifest.Manifest
		err error
	)
	if path == "" {
		m = manifest.Example()
	} else if m, err = manifest.Load(path); err != nil {
		return manifest.Manifest{}, err
	}
	if backend != "" {
		m.Backend = backend
		if err := m.Validate(); err != nil {
			return manifest.Manifest{}, err
		}
	}
	return m, nil
}

// openBackend returns the signaler deliveries are forwarded to after the
// machine records them. The log and none backends have nothing to forward to.
func openBackend(name string) (hv.MSISignaler, func() error, error) {
	if name != manifest.BackendKVM {
		return nil, func() error { return nil }, nil
	}
	ctrl, err := kvm.OpenMSIController()
	if err != nil {
		return nil, nil, fmt.Errorf("open kvm backend: %w", err)
	}
	return ctrl, func() error {
		delivered, blocked := ctrl.Stats()
		slog.Info("kvm: closing", "delivered", delivered, "blocked", blocked)
		return ctrl.Close()
	}, nil
}
