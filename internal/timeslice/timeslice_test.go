package timeslice

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

var testKinds = []Kind{
	{Name: "a", Flags: FlagGuestAccess},
	{Name: "b", Flags: FlagGuestAccess | FlagMask},
}

func TestWriteAndRead(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testKinds)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Record(0, 1, 100*time.Microsecond)
	w.Record(1, 2, 200*time.Microsecond)
	w.Record(7, 0, time.Second)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.Len() != headerAlign+2*recordSize {
		t.Fatalf("log is %d bytes", buf.Len())
	}

	var seen []Entry
	if err := ReadAll(bytes.NewReader(buf.Bytes()), func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("read %d records, want 2", len(seen))
	}
	if seen[1].Kind.Name != "b" || seen[1].VCPU != 2 || seen[1].Duration != 200*time.Microsecond {
		t.Fatalf("second record = %+v", seen[1])
	}
	if seen[1].Kind.Flags.String() != "guest,mask" {
		t.Fatalf("flags = %q", seen[1].Kind.Flags)
	}
}

func TestRecordAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testKinds)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	w.Record(0, 0, time.Millisecond)
	if err := w.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestSummarizeConcurrent(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testKinds)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	const perWorker = 1000
	var wg sync.WaitGroup
	for vcpu := 0; vcpu < 4; vcpu++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= perWorker; i++ {
				w.Record(vcpu%2, uint32(vcpu), time.Duration(i))
			}
		}()
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats, err := Summarize(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, s := range stats {
		if s.Count != 2*perWorker || s.Min != 1 || s.Max != perWorker {
			t.Fatalf("%s: %+v", s.Kind.Name, s)
		}
		if s.Avg() != time.Duration(perWorker+1)/2 {
			t.Fatalf("%s avg = %d", s.Kind.Name, s.Avg())
		}
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	err := ReadAll(bytes.NewReader(make([]byte, 64)), func(Entry) error { return nil })
	if !errors.Is(err, ErrBadHeader) {
		t.Fatalf("err = %v, want ErrBadHeader", err)
	}
}
