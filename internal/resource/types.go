package resource

import (
	"context"
	"time"
)

// Resource names a sampled resource.
type Resource string

const (
	CPU    Resource = "cpu"
	Memory Resource = "memory"
	Disk   Resource = "disk"
)

// All lists every sampled resource in reporting order.
var All = []Resource{CPU, Memory, Disk}

// Reading is one raw sample of usage percentages (0-100).
type Reading struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// Value returns the percentage for r.
func (r Reading) Value(res Resource) float64 {
	switch res {
	case CPU:
		return r.CPU
	case Memory:
		return r.Memory
	case Disk:
		return r.Disk
	default:
		return 0
	}
}

// Sampler produces readings. Implementations need not be safe for concurrent
// use; the monitor serializes calls.
type Sampler interface {
	Sample(ctx context.Context) (Reading, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Reading, error)

func (f SamplerFunc) Sample(ctx context.Context) (Reading, error) { return f(ctx) }

// Sample is one timestamped value in a resource's history.
type Sample struct {
	Time  time.Time
	Value float64
}

// Usage is the derived view of one resource at snapshot time.
type Usage struct {
	Resource Resource
	Current  float64
	Average  float64 // windowed average of the samples preceding Current
	Spike    bool
}

// Snapshot is an immutable view of the latest sample of every resource.
type Snapshot struct {
	Time  time.Time
	Usage map[Resource]Usage
}

// Get returns the usage for r (zero value when unknown).
func (s Snapshot) Get(r Resource) Usage {
	return s.Usage[r]
}

// Spikes returns the usages flagged as spikes, in All order.
func (s Snapshot) Spikes() []Usage {
	var spikes []Usage
	for _, r := range All {
		if u, ok := s.Usage[r]; ok && u.Spike {
			spikes = append(spikes, u)
		}
	}
	return spikes
}
