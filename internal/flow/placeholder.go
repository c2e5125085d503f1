package flow

import (
	"regexp"
	"sort"

	"github.com/funnyzak/reqflow/pkg/binding"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)
	wholePlaceholder   = regexp.MustCompile(`^\{\{(\w+)\}\}$`)
	variableName       = regexp.MustCompile(`^\w+$`)
)

// Placeholder renders the placeholder text for a variable name.
func Placeholder(name string) string {
	return "{{" + name + "}}"
}

// Placeholders lists the distinct placeholder names found in s.
func Placeholders(s string) []string {
	seen := map[string]struct{}{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		seen[m[1]] = struct{}{}
	}
	return sortedSet(seen)
}

type filler struct {
	vars       map[string]any
	unresolved map[string]struct{}
	changed    bool
}

func (f *filler) fill(node any) any {
	switch v := node.(type) {
	case map[string]any:
		for k, item := range v {
			v[k] = f.fill(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = f.fill(item)
		}
		return v
	case string:
		return f.substitute(v)
	default:
		return v
	}
}

func (f *filler) substitute(s string) any {
	if m := wholePlaceholder.FindStringSubmatch(s); m != nil {
		value, ok := f.vars[m[1]]
		if !ok {
			f.unresolved[m[1]] = struct{}{}
			return s
		}
		f.changed = true
		return binding.Clone(value)
	}
	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-2]
		value, ok := f.vars[name]
		if !ok {
			f.unresolved[name] = struct{}{}
			return match
		}
		return binding.Stringify(value)
	})
	if out != s {
		f.changed = true
	}
	return out
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
