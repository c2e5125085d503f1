package flow

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupportedPath indicates a path that cannot address a single node.
var ErrUnsupportedPath = errors.New("unsupported json path")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// pathStep is one segment of a concrete path: a key or an array index.
type pathStep struct {
	key   string
	index int
	isIdx bool
}

// PathTo returns the JSONPath of the first string leaf under root equal to
// literal, walking object keys in sorted order. The path is rooted at base.
func PathTo(root any, literal, base string) (string, bool) {
	var steps []pathStep
	if !locate(root, literal, &steps) {
		return "", false
	}
	return formatPath(base, steps), true
}

func locate(node any, literal string, steps *[]pathStep) bool {
	switch v := node.(type) {
	case string:
		return v == literal
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			*steps = append(*steps, pathStep{key: k})
			if locate(v[k], literal, steps) {
				return true
			}
			*steps = (*steps)[:len(*steps)-1]
		}
	case []any:
		for i, item := range v {
			*steps = append(*steps, pathStep{index: i, isIdx: true})
			if locate(item, literal, steps) {
				return true
			}
			*steps = (*steps)[:len(*steps)-1]
		}
	}
	return false
}

func formatPath(base string, steps []pathStep) string {
	var b strings.Builder
	b.WriteString(base)
	for _, s := range steps {
		switch {
		case s.isIdx:
			fmt.Fprintf(&b, "[%d]", s.index)
		case identifier.MatchString(s.key):
			b.WriteString("." + s.key)
		default:
			b.WriteString("['" + strings.ReplaceAll(s.key, "'", `\'`) + "']")
		}
	}
	return b.String()
}

// parsePath splits a concrete path such as $.a.b[0]['c d'] into steps.
func parsePath(path string) ([]pathStep, error) {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("%w: %q must start with $", ErrUnsupportedPath, path)
	}
	var steps []pathStep
	rest := path[1:]
	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			key := rest[:end]
			if key == "" || key == "*" {
				return nil, fmt.Errorf("%w: %q", ErrUnsupportedPath, path)
			}
			steps = append(steps, pathStep{key: key})
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: %q has an unclosed bracket", ErrUnsupportedPath, path)
			}
			inner := strings.TrimSpace(rest[1:end])
			rest = rest[end+1:]
			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
				key := strings.ReplaceAll(inner[1:len(inner)-1], `\'`, "'")
				steps = append(steps, pathStep{key: key})
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: %q", ErrUnsupportedPath, path)
			}
			steps = append(steps, pathStep{index: idx, isIdx: true})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedPath, path)
		}
	}
	return steps, nil
}

// setPath replaces the node addressed by steps inside root. Missing object
// keys are created; array indexes must exist.
func setPath(root any, steps []pathStep, value any) (any, error) {
	if len(steps) == 0 {
		return value, nil
	}
	step := steps[0]
	if step.isIdx {
		arr, ok := root.([]any)
		if !ok || step.index >= len(arr) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrUnsupportedPath, step.index)
		}
		child, err := setPath(arr[step.index], steps[1:], value)
		if err != nil {
			return nil, err
		}
		arr[step.index] = child
		return arr, nil
	}
	obj, ok := root.(map[string]any)
	if !ok {
		if root != nil {
			return nil, fmt.Errorf("%w: %q is not inside an object", ErrUnsupportedPath, step.key)
		}
		obj = map[string]any{}
	}
	child, err := setPath(obj[step.key], steps[1:], value)
	if err != nil {
		return nil, err
	}
	obj[step.key] = child
	return obj, nil
}
