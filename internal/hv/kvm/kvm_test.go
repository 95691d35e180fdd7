//go:build linux

package kvm

import (
	"errors"
	"testing"
)

func openController(t testing.TB) *MSIController {
	t.Helper()

	c, err := OpenMSIController()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	return c
}

func TestOpenMSIController(t *testing.T) {
	c := openController(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSignalAfterClose(t *testing.T) {
	c := openController(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.SignalMSI(0xfee0_0000, 0x30, 0, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("SignalMSI after close err = %v, want ErrClosed", err)
	}
	if d, b := c.Stats(); d != 0 || b != 0 {
		t.Fatalf("stats = %d/%d", d, b)
	}
}
