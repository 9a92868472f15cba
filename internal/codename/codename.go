// Package codename generates friendly release labels like
// "whispy-monster-pineapple".
package codename

import (
	"math/rand/v2"
	"strings"
)

var adjectives = []string{
	"autumn", "bold", "brave", "bright", "calm", "clever", "cosmic", "crimson",
	"crystal", "daring", "dashing", "divine", "elegant", "epic", "fancy", "fiery",
	"frosty", "gentle", "golden", "grand", "happy", "humble", "jolly", "kind",
	"lively", "lucky", "magic", "mighty", "misty", "noble", "proud", "quiet",
	"radiant", "rapid", "royal", "rusty", "shiny", "silent", "silver", "smooth",
	"snowy", "solar", "sparkly", "spring", "stellar", "stormy", "summer", "sunny",
	"swift", "tender", "twilight", "vibrant", "violet", "vivid", "wandering", "whispy",
	"wild", "winter", "witty", "zen",
}

var nouns = []string{
	"aurora", "badger", "bear", "bison", "blizzard", "breeze", "cactus", "canyon",
	"castle", "cloud", "comet", "coral", "crater", "crystal", "delta", "dingo",
	"dolphin", "dragon", "eagle", "ember", "falcon", "fennec", "forest", "fox",
	"galaxy", "gecko", "glacier", "hawk", "heron", "horizon", "jaguar", "koala",
	"leopard", "lynx", "meadow", "meteor", "monsoon", "monster", "moon", "mountain",
	"nebula", "ocean", "otter", "owl", "panda", "panther", "phoenix", "pineapple",
	"planet", "quasar", "raven", "reef", "river", "rocket", "salmon", "savanna",
	"serpent", "shadow", "shark", "sparrow", "star", "storm", "summit", "sunrise",
	"sunset", "thunder", "tiger", "tornado", "tsunami", "tundra", "turtle", "typhoon",
	"valley", "volcano", "vortex", "walrus", "waterfall", "whale", "wildfire", "willow",
	"wolf", "zebra",
}

// New returns a random adjective-adjective-noun codename. The two adjectives
// are always distinct.
func New() string {
	adj1 := adjectives[rand.IntN(len(adjectives))]
	adj2 := adjectives[rand.IntN(len(adjectives))]
	for adj2 == adj1 {
		adj2 = adjectives[rand.IntN(len(adjectives))]
	}
	noun := nouns[rand.IntN(len(nouns))]
	return adj1 + "-" + adj2 + "-" + noun
}

// IsValid reports whether s looks like a generated codename: exactly three
// dash-separated alphabetic parts.
func IsValid(s string) bool {
	if s == "" {
		return false
	}
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
				return false
			}
		}
	}
	return true
}
