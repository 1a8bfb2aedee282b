package run

import (
	"fmt"
	"strings"
)

// ParseTags converts key:value pairs into a tag map. Later pairs win.
func ParseTags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid tag %q: expected key:value", p)
		}
		tags[k] = v
	}
	return tags, nil
}
