package aggregate

import (
	"context"
	"sort"

	"github.com/sift-kg/sift/pkg/common"
)

// Cluster is a group of evidence items that share an upstream origin.
// Indices point into the evidence list the cluster was detected over.
// Strength is the estimated dependence within the cluster in [0,1]; a
// singleton has strength 0.
type Cluster struct {
	Indices  []int
	Strength float64
}

// DependencyDetector partitions an evidence list into clusters of
// mutually dependent items. Detection must be deterministic for a given
// evidence list.
type DependencyDetector interface {
	Detect(ctx context.Context, evidence []common.Evidence) ([]Cluster, error)
}

// TagDetector is the default detector. Two items are dependent when they
// carry the same non-empty dependency tag or come from the same source.
// Cluster strength grows with size as (n-1)/n, so two dependent items are
// half redundant and a large cluster approaches full redundancy.
type TagDetector struct{}

// Detect groups evidence by shared tag and shared source using a
// union-find over both keys.
func (d *TagDetector) Detect(ctx context.Context, evidence []common.Evidence) ([]Cluster, error) {
	parent := make([]int, len(evidence))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	byTag := make(map[string]int)
	bySource := make(map[string]int)
	for i, e := range evidence {
		if e.DependencyTag != "" {
			if j, ok := byTag[e.DependencyTag]; ok {
				union(j, i)
			} else {
				byTag[e.DependencyTag] = i
			}
		}
		if e.SourceID != "" {
			if j, ok := bySource[e.SourceID]; ok {
				union(j, i)
			} else {
				bySource[e.SourceID] = i
			}
		}
	}

	groups := make(map[int][]int)
	for i := range evidence {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	clusters := make([]Cluster, 0, len(groups))
	for _, indices := range groups {
		sort.Ints(indices)
		n := float64(len(indices))
		clusters = append(clusters, Cluster{
			Indices:  indices,
			Strength: (n - 1) / n,
		})
	}
	// Order clusters by their first member so output is stable for a
	// given evidence list.
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].Indices[0] < clusters[j].Indices[0]
	})
	return clusters, nil
}
