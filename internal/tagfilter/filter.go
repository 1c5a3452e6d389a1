package tagfilter

import (
	"strings"

	"github.com/paulmach/osm"
)

// Filter selects entities and narrows their tags. The zero rules of a kind
// accept everything. A Filter is immutable and safe for concurrent use.
type Filter struct {
	rules map[osm.Type]*rules
}

type rules struct {
	cfg  FilterConfig
	keep map[string]struct{}
	drop []string
}

// New compiles cfg. A nil cfg gives a filter that passes everything.
func New(cfg *Config) *Filter {
	f := &Filter{rules: make(map[osm.Type]*rules, 3)}
	if cfg == nil {
		return f
	}
	f.add(osm.TypeNode, cfg.Nodes)
	f.add(osm.TypeWay, cfg.Ways)
	f.add(osm.TypeRelation, cfg.Relations)
	return f
}

func (f *Filter) add(kind osm.Type, cfg *FilterConfig) {
	if cfg == nil {
		return
	}
	r := &rules{cfg: *cfg, drop: cfg.DropTags}
	if len(cfg.KeepTags) > 0 {
		r.keep = make(map[string]struct{}, len(cfg.KeepTags))
		for _, k := range cfg.KeepTags {
			r.keep[k] = struct{}{}
		}
	}
	f.rules[kind] = r
}

// HasFilter reports whether any kind has rules.
func (f *Filter) HasFilter() bool {
	return len(f.rules) > 0
}

// Match reports whether o passes the rules of its kind.
func (f *Filter) Match(o osm.Object) bool {
	switch v := o.(type) {
	case *osm.Node:
		return f.MatchTags(osm.TypeNode, v.Tags)
	case *osm.Way:
		return f.MatchTags(osm.TypeWay, v.Tags)
	case *osm.Relation:
		return f.MatchTags(osm.TypeRelation, v.Tags)
	}
	return false
}

// MatchTags applies the rules of kind to tags.
func (f *Filter) MatchTags(kind osm.Type, tags osm.Tags) bool {
	r, ok := f.rules[kind]
	if !ok {
		return true
	}
	cfg := &r.cfg

	if len(cfg.RequireAny) > 0 {
		found := false
		for _, key := range cfg.RequireAny {
			if tags.HasTag(key) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(cfg.Include) > 0 {
		matched := false
		for key, values := range cfg.Include {
			if hasValue(tags, key, values) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for key, values := range cfg.Exclude {
		if hasValue(tags, key, values) {
			return false
		}
	}

	return true
}

// FilterTags returns tags narrowed by the keep and drop lists of kind. The
// input is not modified.
func (f *Filter) FilterTags(kind osm.Type, tags osm.Tags) osm.Tags {
	r, ok := f.rules[kind]
	if !ok || (r.keep == nil && len(r.drop) == 0) {
		return tags
	}

	out := make(osm.Tags, 0, len(tags))
	for _, t := range tags {
		if r.keep != nil {
			if _, ok := r.keep[t.Key]; !ok {
				continue
			}
		}
		if dropped(r.drop, t.Key) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func hasValue(tags osm.Tags, key string, values []string) bool {
	if !tags.HasTag(key) {
		return false
	}
	if len(values) == 0 {
		return true
	}
	v := tags.Find(key)
	for _, want := range values {
		if want == v || want == "*" {
			return true
		}
	}
	return false
}

func dropped(patterns []string, key string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
		} else if p == key {
			return true
		}
	}
	return false
}
