package timeslice

import (
	"fmt"
	"io"
	"time"
)

// Stat aggregates the records of one kind.
type Stat struct {
	Kind  Kind
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *Stat) add(d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Sum += d
}

func (s Stat) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

func (s Stat) String() string {
	return fmt.Sprintf("%-16s flags=%-10s count=%8d sum=%14s min=%10s max=%10s avg=%10s",
		s.Kind.Name, s.Kind.Flags, s.Count, s.Sum, s.Min, s.Max, s.Avg())
}

// Summarize reads a whole log and returns per-kind statistics in order of
// first appearance.
func Summarize(r io.Reader) ([]Stat, error) {
	index := map[string]int{}
	var stats []Stat
	err := ReadAll(r, func(e Entry) error {
		i, ok := index[e.Kind.Name]
		if !ok {
			i = len(stats)
			index[e.Kind.Name] = i
			stats = append(stats, Stat{Kind: e.Kind})
		}
		stats[i].add(e.Duration)
		return nil
	})
	return stats, err
}
