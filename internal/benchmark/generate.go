package benchmark

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
)

// Generator builds the input payload for one benchmark size. rng is seeded
// per size so repeated runs see identical inputs.
type Generator func(size int, rng *rand.Rand) any

var generators = map[string]Generator{
	"two_sum": func(size int, _ *rand.Rand) any {
		// The only pair summing to target sits at the end, forcing a full scan.
		return map[string]any{"nums": ascending(size), "target": 2*size - 3}
	},
	"binary_search": func(size int, _ *rand.Rand) any {
		return map[string]any{"arr": ascending(size), "target": size / 2}
	},
	"container_water": func(size int, _ *rand.Rand) any {
		height := make([]int, size)
		for i := range height {
			height[i] = i%100 + 1
		}
		return map[string]any{"height": height}
	},
	"sort": shuffled,
	"fibonacci": func(size int, _ *rand.Rand) any {
		return map[string]any{"n": size}
	},
}

var aliases = map[string]string{
	"container_with_most_water": "container_water",
	"bubble_sort":               "sort",
	"merge_sort":                "sort",
	"quick_sort":                "sort",
	"insertion_sort":            "sort",
	"fib":                       "fibonacci",
}

// Algorithms lists the algorithm ids with a dedicated generator. Any other id
// gets an ascending integer list.
func Algorithms() []string {
	out := make([]string, 0, len(generators)+len(aliases))
	for id := range generators {
		out = append(out, id)
	}
	for id := range aliases {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func canonicalID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.NewReplacer("-", "_", " ", "_").Replace(id)
	if target, ok := aliases[id]; ok {
		return target
	}
	return id
}

// Generate returns the JSON input for algorithmID at size.
func Generate(algorithmID string, size int, seed uint64) (json.RawMessage, error) {
	if size < 1 {
		return nil, fmt.Errorf("size must be >= 1, got %d", size)
	}
	gen, ok := generators[canonicalID(algorithmID)]
	if !ok {
		gen = func(size int, _ *rand.Rand) any { return ascending(size) }
	}
	rng := rand.New(rand.NewPCG(seed, uint64(size))) // #nosec G404 -- reproducible inputs, not secrets
	data, err := json.Marshal(gen(size, rng))
	if err != nil {
		return nil, fmt.Errorf("encoding input for size %d: %w", size, err)
	}
	return data, nil
}

func ascending(size int) []int {
	out := make([]int, size)
	for i := range out {
		out[i] = i
	}
	return out
}

func shuffled(size int, rng *rand.Rand) any {
	return rng.Perm(size)
}
