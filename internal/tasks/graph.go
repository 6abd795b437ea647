package tasks

import (
	"fmt"
	"sort"
)

// BuildTiers groups tasks into execution tiers: every task's dependencies
// sit in earlier tiers. Dependencies on ids outside deps are ignored. It
// returns ErrCycle if the graph is not acyclic.
func BuildTiers(deps map[string][]string) ([][]string, error) {
	edges := make(map[string][]string) // dependency -> dependents
	inDegree := make(map[string]int, len(deps))
	for id := range deps {
		inDegree[id] = 0
	}
	for id, ds := range deps {
		seen := make(map[string]bool, len(ds))
		for _, d := range ds {
			if _, ok := deps[d]; !ok || seen[d] {
				continue
			}
			seen[d] = true
			edges[d] = append(edges[d], id)
			inDegree[id]++
		}
	}

	// Kahn's algorithm, grouping by depth
	depth := make(map[string]int, len(deps))
	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range edges[node] {
			inDegree[next]--
			if d := depth[node] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(deps) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w among %v", ErrCycle, stuck)
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	tiers := make([][]string, maxDepth+1)
	for id := range deps {
		tiers[depth[id]] = append(tiers[depth[id]], id)
	}
	for _, tier := range tiers {
		sort.Strings(tier)
	}
	if len(deps) == 0 {
		return nil, nil
	}
	return tiers, nil
}
