package relation

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/pkg/binding"
	"github.com/funnyzak/reqflow/pkg/request"
)

// SensitiveVariablePrefix prefixes variables lifted from request bodies.
const SensitiveVariablePrefix = "extracted_"

// SensitiveInfo lifts credentials and similar fields out of request bodies
// into external variables and leaves placeholders in their place.
type SensitiveInfo struct {
	keys   []string
	legacy bool
	log    logger.Logger

	patterns map[string]fieldPatterns
}

type fieldPatterns struct {
	json *regexp.Regexp
	form *regexp.Regexp
}

// NewSensitiveInfo creates the relation. An empty key list selects
// DefaultSensitiveKeys. With legacy naming the variable gets a trailing
// underscore while the body placeholder does not, as older flows expect.
func NewSensitiveInfo(keys []string, naming string, log logger.Logger) *SensitiveInfo {
	if len(keys) == 0 {
		keys = DefaultSensitiveKeys
	}
	s := &SensitiveInfo{
		keys:     keys,
		legacy:   strings.EqualFold(naming, config.NamingLegacy),
		log:      log,
		patterns: make(map[string]fieldPatterns, len(keys)),
	}
	for _, key := range keys {
		quoted := regexp.QuoteMeta(key)
		s.patterns[key] = fieldPatterns{
			json: regexp.MustCompile(`"` + quoted + `"\s*:\s*"((?:[^"\\]|\\.)*)"`),
			form: regexp.MustCompile(`(?:^|&)` + quoted + `=(.*?)(?:&|$)`),
		}
	}
	return s
}

// Name implements flow.Relation.
func (s *SensitiveInfo) Name() string { return config.RelationSensitive }

// VariableName returns the variable a key's value is stored under.
func (s *SensitiveInfo) VariableName(key string) string {
	if s.legacy {
		return SensitiveVariablePrefix + key + "_"
	}
	return SensitiveVariablePrefix + key
}

// PlaceholderName returns the name written into request bodies.
func (s *SensitiveInfo) PlaceholderName(key string) string {
	return SensitiveVariablePrefix + key
}

// InsertRelation implements flow.Relation.
func (s *SensitiveInfo) InsertRelation(f *flow.UserFlow) {
	count := 0
	for _, el := range f.Elements {
		body := el.Request.Body
		if body == "" {
			continue
		}
		kind := el.Request.ContentType()
		for _, key := range s.keys {
			start, end, isJSON, ok := s.locate(body, key)
			if !ok {
				continue
			}
			f.ExternalVariables[s.VariableName(key)] = wireValue(body, body[start:end], kind, isJSON)
			body = body[:start] + flow.Placeholder(s.PlaceholderName(key)) + body[end:]
			count++
			s.log.Info("Found sensitive info", "key", key, "url", el.Request.URL)
		}
		el.Request.Body = body
	}
	s.log.Info("Sensitive relations found", "count", count)
}

// locate returns the span of the key's value and whether it was found as a
// JSON string. Empty values and values that already are placeholders are
// skipped.
func (s *SensitiveInfo) locate(body, key string) (int, int, bool, bool) {
	p := s.patterns[key]
	var re *regexp.Regexp
	isJSON := strings.HasPrefix(strings.TrimSpace(body), "{")
	switch {
	case isJSON:
		re = p.json
	case strings.Contains(body, "="):
		re = p.form
	default:
		return 0, 0, false, false
	}
	m := re.FindStringSubmatchIndex(body)
	if m == nil || m[2] < 0 || m[2] == m[3] {
		return 0, 0, false, false
	}
	value := body[m[2]:m[3]]
	if strings.HasPrefix(value, "{{") && strings.HasSuffix(value, "}}") {
		return 0, 0, false, false
	}
	return m[2], m[3], isJSON, true
}

// wireValue decodes a matched value the way the body's binding will see it
// on fill. Bodies that bind as plain text are filled textually, so their
// values stay as written.
func wireValue(body, raw string, kind request.ContentType, isJSON bool) string {
	switch {
	case isJSON && kind == request.ContentJSON:
		if _, err := binding.Decode([]byte(body)); err != nil {
			return raw
		}
		var decoded string
		if err := json.Unmarshal([]byte(`"`+raw+`"`), &decoded); err != nil {
			return raw
		}
		return decoded
	case !isJSON && kind == request.ContentURLFormEncoded:
		decoded, err := url.QueryUnescape(raw)
		if err != nil {
			return raw
		}
		return decoded
	}
	return raw
}
