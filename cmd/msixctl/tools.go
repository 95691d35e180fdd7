package main

import (
	"fmt"
	"math"
	"os"

	"github.com/tinyrange/msix/internal/devices/pci/msix"
	"github.com/tinyrange/msix/internal/manifest"
	"github.com/tinyrange/msix/internal/timeslice"
)

func runLayout(args []string) error {
	fs := newFlagSet("layout", "Print the MSI-X table and PBA placement for a vector count.")
	vectors := fs.Uint64("vectors", 1, "Number of vectors")
	table := fs.Int64("table", -1, "Table offset within the BAR (default: 0)")
	pba := fs.Int64("pba", -1, "PBA offset within the BAR (default: after the table)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *vectors > math.MaxUint32 {
		return fmt.Errorf("-vectors %d out of range", *vectors)
	}
	var offsets *msix.Offsets
	if *table >= 0 || *pba >= 0 {
		if *table < 0 || *pba < 0 {
			return fmt.Errorf("-table and -pba must be given together")
		}
		if *table > math.MaxUint32 || *pba > math.MaxUint32 {
			return fmt.Errorf("-table and -pba must fit in 32 bits")
		}
		offsets = &msix.Offsets{Table: uint32(*table), PBA: uint32(*pba)}
	}
	l, err := msix.ComputeLayout(uint32(*vectors), offsets)
	if err != nil {
		return err
	}
	fmt.Printf("vectors  %d\n", l.VectorCount)
	fmt.Printf("table    %#08x-%#08x (%d bytes)\n", l.TableOffset, uint64(l.TableOffset)+uint64(l.TableSize), l.TableSize)
	fmt.Printf("pba      %#08x-%#08x (%d bytes)\n", l.PBAOffset, uint64(l.PBAOffset)+uint64(l.PBASize), l.PBASize)
	fmt.Printf("bar size %#x\n", l.BARSize)
	return nil
}

func runInit(args []string) error {
	fs := newFlagSet("init", "Write the example manifest to a file.")
	force := fs.Bool("f", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("init takes exactly one path")
	}
	path := fs.Arg(0)
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -f to overwrite)", path)
	}
	if err := manifest.Write(path, manifest.Example()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func runTimeslice(args []string) error {
	fs := newFlagSet("timeslice", "Summarize a latency log written by stress -timeslice-file.")
	filename := fs.String("filename", "", "Timeslice file to read")
	raw := fs.Bool("raw", false, "Print every record instead of per-kind sums")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filename == "" {
		fs.Usage()
		return fmt.Errorf("-filename is required")
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	if *raw {
		return timeslice.ReadAll(f, func(e timeslice.Entry) error {
			fmt.Printf("%s vcpu=%d %s\n", e.Kind.Name, e.VCPU, e.Duration)
			return nil
		})
	}
	stats, err := timeslice.Summarize(f)
	if err != nil {
		return fmt.Errorf("read timeslice file: %w", err)
	}
	for _, s := range stats {
		fmt.Println(s)
	}
	return nil
}
