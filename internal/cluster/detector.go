package cluster

import (
	"context"
	"fmt"
	"sort"
)

// Member is one server of the cluster.
type Member struct {
	ID   uint64 `mapstructure:"id" yaml:"id"`
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Detector discovers the members of the cluster.
type Detector interface {
	Members(ctx context.Context) ([]Member, error)
}

// StaticDetector is a fixed member list, usually from configuration.
type StaticDetector []Member

// NewStaticDetector validates members and returns them ordered by id.
func NewStaticDetector(members []Member) (StaticDetector, error) {
	seen := make(map[uint64]bool, len(members))
	out := make(StaticDetector, 0, len(members))
	for _, m := range members {
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate member id %d", m.ID)
		}
		if m.Addr == "" {
			return nil, fmt.Errorf("member %d has no address", m.ID)
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d StaticDetector) Members(context.Context) ([]Member, error) {
	return append([]Member(nil), d...), nil
}
