package pbf

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
)

// TagRule selects elements carrying Key, optionally restricted to Values.
// An empty Values list accepts any value.
type TagRule struct {
	Key    string   `yaml:"key"`
	Values []string `yaml:"values,omitempty"`
}

// ParseTagRule parses "key" or "key=v1,v2"
func ParseTagRule(s string) (TagRule, error) {
	key, values, hasValues := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return TagRule{}, fmt.Errorf("tag rule %q: empty key", s)
	}
	rule := TagRule{Key: key}
	if hasValues {
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				rule.Values = append(rule.Values, v)
			}
		}
		if len(rule.Values) == 0 {
			return TagRule{}, fmt.Errorf("tag rule %q: empty value list", s)
		}
	}
	return rule, nil
}

func (r TagRule) String() string {
	if len(r.Values) == 0 {
		return r.Key
	}
	return r.Key + "=" + strings.Join(r.Values, ",")
}

// candidate is one filter string waiting to be matched against a string table
type candidate struct {
	text  []byte
	rule  int32
	isKey bool
}

// TagFilter is a compiled set of rules. An element matches when any of its
// tags matches any rule. Filter strings are bucketed by byte length so that a
// blob's string table can be interned with one length lookup per entry.
// A TagFilter is immutable and safe for concurrent use.
type TagFilter struct {
	rules   []TagRule
	anyVal  []bool
	buckets [][]candidate // indexed by byte length
}

// CompileFilter merges rules sharing a key and builds the length buckets
func CompileFilter(rules []TagRule) (*TagFilter, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("tag filter: no rules")
	}
	merged := make([]TagRule, 0, len(rules))
	byKey := make(map[string]int, len(rules))
	anyVal := make([]bool, 0, len(rules))
	for _, r := range rules {
		if r.Key == "" {
			return nil, fmt.Errorf("tag filter: rule with empty key")
		}
		i, ok := byKey[r.Key]
		if !ok {
			i = len(merged)
			byKey[r.Key] = i
			merged = append(merged, TagRule{Key: r.Key})
			anyVal = append(anyVal, len(r.Values) == 0)
		} else if len(r.Values) == 0 {
			anyVal[i] = true
		}
		for _, v := range r.Values {
			if !slices.Contains(merged[i].Values, v) {
				merged[i].Values = append(merged[i].Values, v)
			}
		}
	}

	f := &TagFilter{rules: merged, anyVal: anyVal}
	add := func(s string, rule int, isKey bool) {
		for len(f.buckets) <= len(s) {
			f.buckets = append(f.buckets, nil)
		}
		f.buckets[len(s)] = append(f.buckets[len(s)], candidate{
			text:  []byte(s),
			rule:  int32(rule),
			isKey: isKey,
		})
	}
	for i, r := range merged {
		add(r.Key, i, true)
		if !anyVal[i] {
			for _, v := range r.Values {
				add(v, i, false)
			}
		}
	}
	return f, nil
}

// Rules returns the merged rules
func (f *TagFilter) Rules() []TagRule {
	return f.rules
}

// MatchTags evaluates the filter against decoded tags
func (f *TagFilter) MatchTags(tags map[string]string) bool {
	for i, r := range f.rules {
		v, ok := tags[r.Key]
		if !ok {
			continue
		}
		if f.anyVal[i] || slices.Contains(r.Values, v) {
			return true
		}
	}
	return false
}

// localFilter is a TagFilter resolved against one blob's string table.
// String ids are only meaningful inside that blob.
type localFilter struct {
	f        *TagFilter
	keyRule  []int32 // string id -> rule index, -1 when not a rule key
	allowed  map[uint64]struct{}
	possible bool
}

// intern resolves filter strings to blob-local string ids. possible is false
// when no rule can match anything in this blob.
func (lf *localFilter) intern(f *TagFilter, table [][]byte) {
	lf.f = f
	lf.keyRule = slices.Grow(lf.keyRule[:0], len(table))[:len(table)]
	for i := range lf.keyRule {
		lf.keyRule[i] = -1
	}
	if lf.allowed == nil {
		lf.allowed = make(map[uint64]struct{})
	}
	clear(lf.allowed)

	keySeen := make([]bool, len(f.rules))
	valSeen := make([]bool, len(f.rules))
	for id, s := range table {
		if len(s) >= len(f.buckets) {
			continue
		}
		for _, c := range f.buckets[len(s)] {
			if !bytes.Equal(c.text, s) {
				continue
			}
			if c.isKey {
				lf.keyRule[id] = c.rule
				keySeen[c.rule] = true
			} else {
				lf.allowed[uint64(c.rule)<<32|uint64(id)] = struct{}{}
				valSeen[c.rule] = true
			}
		}
	}

	lf.possible = false
	for i := range f.rules {
		if keySeen[i] && (f.anyVal[i] || valSeen[i]) {
			lf.possible = true
			break
		}
	}
}

// match tests one key/value string id pair
func (lf *localFilter) match(k, v uint32) bool {
	if int(k) >= len(lf.keyRule) {
		return false
	}
	r := lf.keyRule[k]
	if r < 0 {
		return false
	}
	if lf.f.anyVal[r] {
		return true
	}
	_, ok := lf.allowed[uint64(r)<<32|uint64(v)]
	return ok
}

// matchPacked tests packed keys/vals arrays as found in Node, Way and Relation
func (lf *localFilter) matchPacked(keys, vals []byte) (bool, error) {
	kr := newWireReader(keys)
	vr := newWireReader(vals)
	for kr.more() {
		k, err := kr.varint()
		if err != nil {
			return false, err
		}
		if !vr.more() {
			return false, malformed("tag keys and values differ in length")
		}
		v, err := vr.varint()
		if err != nil {
			return false, err
		}
		if lf.match(uint32(k), uint32(v)) {
			return true, nil
		}
	}
	return false, nil
}
