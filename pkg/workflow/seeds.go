package workflow

import "math/rand"

// maxSeed keeps seeds exactly representable once round-tripped through JSON.
const maxSeed = 1 << 53

// SeedInputs are the node input names treated as noise seeds.
var SeedInputs = []string{"seed", "noise_seed"}

// RandomizeSeeds replaces every literal seed input in the graph with a fresh
// value from rng and returns how many were changed. Inputs wired to another
// node (JSON arrays) are left alone.
func (d *Document) RandomizeSeeds(rng *rand.Rand) int {
	changed := 0
	for _, raw := range d.Graph {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		for _, key := range SeedInputs {
			switch inputs[key].(type) {
			case float64, int, int64:
				inputs[key] = rng.Int63n(maxSeed)
				changed++
			}
		}
	}
	return changed
}
