package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Topic names an upstream feed (a collection slug).
type Topic string

// Destination is a (scope, sub-channel) pair notifications are delivered to.
type Destination struct {
	ScopeID   string `json:"scopeId"`
	ChannelID string `json:"channelId"`
}

// String returns the "<scope>-<channel>" form used by the registry stores.
func (d Destination) String() string {
	return d.ScopeID + "-" + d.ChannelID
}

// ParseDestination is the inverse of Destination.String.
func ParseDestination(s string) (Destination, error) {
	scope, channel, ok := strings.Cut(s, "-")
	if !ok || scope == "" || channel == "" {
		return Destination{}, fmt.Errorf("invalid destination %q: want <scope>-<channel>", s)
	}
	return Destination{ScopeID: scope, ChannelID: channel}, nil
}

// DestinationSet holds unique destinations. The zero value is ready to use
// for reads; use NewDestinationSet or Add to populate it.
type DestinationSet struct {
	m map[Destination]struct{}
}

func NewDestinationSet(dests ...Destination) DestinationSet {
	s := DestinationSet{m: make(map[Destination]struct{}, len(dests))}
	for _, d := range dests {
		s.m[d] = struct{}{}
	}
	return s
}

// Add inserts d and reports whether it was absent.
func (s *DestinationSet) Add(d Destination) bool {
	if s.m == nil {
		s.m = make(map[Destination]struct{})
	}
	if _, ok := s.m[d]; ok {
		return false
	}
	s.m[d] = struct{}{}
	return true
}

// Remove deletes d and reports whether it was present.
func (s *DestinationSet) Remove(d Destination) bool {
	if _, ok := s.m[d]; !ok {
		return false
	}
	delete(s.m, d)
	return true
}

func (s DestinationSet) Contains(d Destination) bool {
	_, ok := s.m[d]
	return ok
}

func (s DestinationSet) Len() int { return len(s.m) }

// Slice returns the members sorted by scope then channel.
func (s DestinationSet) Slice() []Destination {
	out := make([]Destination, 0, len(s.m))
	for d := range s.m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScopeID != out[j].ScopeID {
			return out[i].ScopeID < out[j].ScopeID
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// Clone returns an independent copy.
func (s DestinationSet) Clone() DestinationSet {
	return NewDestinationSet(s.Slice()...)
}

// Snapshot is the registry content at one point in time.
type Snapshot map[Topic]DestinationSet

// Topics returns the snapshot's topics in sorted order.
func (s Snapshot) Topics() []Topic {
	out := make([]Topic, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone deep-copies the snapshot so callers can hand it across goroutines.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for t, set := range s {
		out[t] = set.Clone()
	}
	return out
}
