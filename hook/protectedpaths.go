package hook

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ProtectedPaths builds a pre-check subscriber that vetoes any push touching
// a path matched by one of the glob patterns (doublestar syntax, e.g.
// "release/**" or "**/OWNERS").
func ProtectedPaths(patterns []string) (Subscriber, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return Subscriber{}, fmt.Errorf("invalid protected path pattern %q", p)
		}
	}

	fn := func(stage Stage, ev *Event) error {
		var hits []string
		for _, path := range ev.TouchedPaths {
			for _, pattern := range patterns {
				if ok, _ := doublestar.Match(pattern, path); ok {
					hits = append(hits, path)
					break
				}
			}
		}
		if len(hits) > 0 {
			return fmt.Errorf("protected paths: %s", strings.Join(hits, ", "))
		}
		return nil
	}

	return Subscriber{
		Name:   "protectedpaths",
		Stages: []Stage{StagePreCheck},
		Fn:     fn,
	}, nil
}
