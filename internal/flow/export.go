package flow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/funnyzak/reqflow/pkg/binding"
)

// ErrInvalidExport indicates an export whose path or regex does not compile.
var ErrInvalidExport = errors.New("invalid export")

// pathLanguage evaluates JSONPath with full gval expressions inside filters.
var pathLanguage = gval.Full(jsonpath.Language())

var (
	evaluables sync.Map // path -> gval.Evaluable
	regexps    sync.Map // pattern -> *regexp.Regexp
)

// multiMatch detects selectors that can yield several nodes.
var multiMatch = regexp.MustCompile(`\*|\.\.|\[\?|\[[^\]]*[:,][^\]]*\]`)

// Export is a named extraction rule evaluated against an element's
// structured value.
type Export struct {
	JSONPath string `json:"JsonPath"`
	Regex    string `json:"Regex"`
}

// NewExport builds a validated export.
func NewExport(path, regex string) (Export, error) {
	e := Export{JSONPath: path, Regex: regex}
	if err := e.Validate(); err != nil {
		return Export{}, err
	}
	return e, nil
}

// Validate compiles the path and the regex.
func (e Export) Validate() error {
	if strings.TrimSpace(e.JSONPath) == "" {
		return fmt.Errorf("%w: empty json path", ErrInvalidExport)
	}
	if _, err := compilePath(e.JSONPath); err != nil {
		return fmt.Errorf("%w: json path %q: %v", ErrInvalidExport, e.JSONPath, err)
	}
	if e.Regex != "" {
		if _, err := compileRegex(e.Regex); err != nil {
			return fmt.Errorf("%w: regex %q: %v", ErrInvalidExport, e.Regex, err)
		}
	}
	return nil
}

// Value selects the path from source. Several matches yield an array, no
// match yields nil. With a regex set the result is its first match against
// the selected value's string form, or "" when it does not match.
func (e Export) Value(source any) any {
	selected := e.selectPath(source)
	if e.Regex == "" {
		return selected
	}
	re, err := compileRegex(e.Regex)
	if err != nil {
		return nil
	}
	return re.FindString(binding.Stringify(selected))
}

func (e Export) selectPath(source any) any {
	eval, err := compilePath(e.JSONPath)
	if err != nil {
		return nil
	}
	result, err := eval(context.Background(), source)
	if err != nil {
		return nil
	}
	if !multiMatch.MatchString(e.JSONPath) {
		return binding.Clone(result)
	}
	items, ok := result.([]any)
	if !ok {
		return binding.Clone(result)
	}
	switch len(items) {
	case 0:
		return nil
	case 1:
		return binding.Clone(items[0])
	default:
		return binding.Clone(items)
	}
}

func compilePath(path string) (gval.Evaluable, error) {
	if cached, ok := evaluables.Load(path); ok {
		return cached.(gval.Evaluable), nil
	}
	eval, err := pathLanguage.NewEvaluable(path)
	if err != nil {
		return nil, err
	}
	evaluables.Store(path, eval)
	return eval, nil
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexps.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexps.Store(pattern, re)
	return re, nil
}
