// Package jobconf holds the resolved execution parameters of a job and the
// rules for merging a client's overrides onto the server defaults.
package jobconf

import (
	"fmt"
	"strings"
	"time"
)

// TopologyKind selects which cluster servers take part in a job.
type TopologyKind int

const (
	// Local runs the job inside this process only.
	Local TopologyKind = iota
	// Partial runs the job on an explicit list of servers.
	Partial
	// All runs the job on every known cluster member.
	All
)

func (k TopologyKind) String() string {
	switch k {
	case Local:
		return "local"
	case Partial:
		return "partial"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// ServerConf is a resolved topology. Servers is only meaningful for Partial.
type ServerConf struct {
	Kind    TopologyKind
	Servers []uint64
}

func (s ServerConf) String() string {
	if s.Kind != Partial {
		return s.Kind.String()
	}
	ids := make([]string, len(s.Servers))
	for i, id := range s.Servers {
		ids[i] = fmt.Sprint(id)
	}
	return "partial[" + strings.Join(ids, ",") + "]"
}

// JobConf is the effective configuration of one job.
type JobConf struct {
	JobName       string
	JobID         uint64
	Workers       uint32
	TimeLimit     uint64 // milliseconds, 0 = unlimited
	BatchSize     uint32
	BatchCapacity uint32
	TraceEnable   bool
	PlanPrint     bool
	Servers       ServerConf
}

// Default engine parameters.
const (
	DefaultWorkers       = 1
	DefaultBatchSize     = 1024
	DefaultBatchCapacity = 64
)

// New returns the engine defaults for a job with the given name.
func New(name string) JobConf {
	return JobConf{
		JobName:       name,
		Workers:       DefaultWorkers,
		BatchSize:     DefaultBatchSize,
		BatchCapacity: DefaultBatchCapacity,
		Servers:       ServerConf{Kind: Local},
	}
}

// Timeout converts TimeLimit into a duration; zero means no limit.
func (c JobConf) Timeout() time.Duration {
	return time.Duration(c.TimeLimit) * time.Millisecond
}

// ResetServers replaces the topology wholesale.
func (c *JobConf) ResetServers(s ServerConf) {
	if s.Servers != nil {
		s.Servers = append([]uint64(nil), s.Servers...)
	}
	c.Servers = s
}
