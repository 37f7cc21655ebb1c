package equipment

import (
	"fmt"
	"path"
	"regexp"

	"github.com/maypok86/otter"
)

// regexCache holds compiled tag-query patterns keyed by their source
// string, bounded the same way the teacher bounds its per-domain latency
// table: a fixed-capacity, recency-evicted cache of data derived from a hot
// path (spec.md §8 calls find_points out as a frequent facade operation).
var regexCache = mustBuildRegexCache()

func mustBuildRegexCache() otter.Cache[string, *regexp.Regexp] {
	cache, err := otter.MustBuilder[string, *regexp.Regexp](4096).
		Cost(func(_ string, _ *regexp.Regexp) uint32 { return 1 }).
		Build()
	if err != nil {
		panic(fmt.Sprintf("equipment: regex cache init failed: %v", err))
	}
	return cache
}

func compiledPattern(expr string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(expr); ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexCache.Set(expr, re)
	return re, nil
}

// Query describes a find_points request: an optional glob over the point's
// identifier, plus a set of metadata-key -> regex-pattern pairs that must
// ALL match (AND semantics, spec.md §4.1 "find_points combines a glob over
// the topic with zero or more tag filters, every filter must match").
type Query struct {
	Glob string            // "" matches every identifier
	Tags map[string]string // metadata key -> regex the stringified value must match
}

// FindPoints returns every POINT node under root whose identifier matches
// q.Glob (path.Match semantics, "" matches all) and whose metadata
// satisfies every entry in q.Tags.
func (t *Tree) FindPoints(root Handle, q Query) ([]*EquipmentNode, error) {
	compiled := make(map[string]*regexp.Regexp, len(q.Tags))
	for key, expr := range q.Tags {
		re, err := compiledPattern(expr)
		if err != nil {
			return nil, fmt.Errorf("equipment: bad tag pattern for %q: %w", key, err)
		}
		compiled[key] = re
	}

	var out []*EquipmentNode
	for _, p := range t.Points(root) {
		if q.Glob != "" {
			matched, err := path.Match(q.Glob, p.Identifier)
			if err != nil {
				return nil, fmt.Errorf("equipment: bad glob %q: %w", q.Glob, err)
			}
			if !matched {
				continue
			}
		}
		if matchesAllTags(p, compiled) {
			out = append(out, p)
		}
	}
	return out, nil
}

func matchesAllTags(n *EquipmentNode, compiled map[string]*regexp.Regexp) bool {
	if len(compiled) == 0 {
		return true
	}
	meta := n.Metadata()
	for key, re := range compiled {
		v, ok := meta[key]
		if !ok {
			return false
		}
		if !re.MatchString(fmt.Sprint(v)) {
			return false
		}
	}
	return true
}
