package relation

import (
	"fmt"
	"strings"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
)

// TokenVariablePrefix prefixes the exported bearer token variables.
const TokenVariablePrefix = "extracted_auth_token_"

const defaultTokenPath = "$.Response.Body.access_token"

// BearerAuth links requests sending "Authorization: Bearer <token>" to the
// earlier response that issued the token.
type BearerAuth struct {
	log logger.Logger
}

// NewBearerAuth creates the bearer relation.
func NewBearerAuth(log logger.Logger) *BearerAuth {
	return &BearerAuth{log: log}
}

// Name implements flow.Relation.
func (b *BearerAuth) Name() string { return config.RelationBearer }

type tokenSource struct {
	element   *flow.Element
	token     string
	consumers []*flow.Element
}

// InsertRelation implements flow.Relation.
func (b *BearerAuth) InsertRelation(f *flow.UserFlow) {
	var sources []*tokenSource
	byElement := map[*flow.Element]*tokenSource{}

	for _, el := range f.Elements {
		token, ok := el.Request.BearerToken()
		if !ok || strings.Contains(token, "{{") {
			continue
		}
		src := findTokenSource(f, token)
		if src == nil {
			b.log.Debug("No response issues bearer token", "url", el.Request.URL)
			continue
		}
		ts, ok := byElement[src]
		if !ok {
			ts = &tokenSource{element: src, token: token}
			byElement[src] = ts
			sources = append(sources, ts)
		}
		ts.consumers = append(ts.consumers, el)
	}

	for i, ts := range sources {
		name := fmt.Sprintf("%s%d", TokenVariablePrefix, i+1)
		path := tokenPath(ts.element, ts.token)
		if err := ts.element.AddExport(name, flow.Export{JSONPath: path}); err != nil {
			b.log.Warn("Failed to export bearer token", "url", ts.element.Request.URL, "error", err)
			continue
		}
		for _, consumer := range ts.consumers {
			key, _, _ := consumer.Request.Header("Authorization")
			consumer.Request.Headers[key] = "Bearer " + flow.Placeholder(name)
		}
		b.log.Info("Found auth request", "url", ts.element.Request.URL, "uses", len(ts.consumers), "export", name)
	}
}

// findTokenSource returns the first element whose response body contains
// token.
func findTokenSource(f *flow.UserFlow, token string) *flow.Element {
	for _, el := range f.Elements {
		if strings.Contains(el.Response.Body, token) {
			return el
		}
	}
	return nil
}

// tokenPath locates token inside the structured response body, falling back
// to the conventional access_token field.
func tokenPath(el *flow.Element, token string) string {
	body := el.Value()[flow.KeyResponse].(map[string]any)[flow.KeyBody]
	if m, ok := body.(map[string]any); ok {
		if v, ok := m["access_token"].(string); ok && v == token {
			return defaultTokenPath
		}
	}
	if path, ok := flow.PathTo(body, token, "$.Response.Body"); ok && path != "$.Response.Body" {
		return path
	}
	return defaultTokenPath
}
