package relation

import (
	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/pkg/request"
)

// sessionCookies mark a request as carrying an authenticated session.
var sessionCookies = []string{"csrftoken", "sessionid"}

// Cookie hoists the cookies of session-bearing requests into external
// variables so they can be inspected and edited before replay.
type Cookie struct {
	log logger.Logger
}

// NewCookie creates the cookie relation.
func NewCookie(log logger.Logger) *Cookie {
	return &Cookie{log: log}
}

// Name implements flow.Relation.
func (c *Cookie) Name() string { return config.RelationCookie }

// InsertRelation implements flow.Relation. The first value seen for a
// cookie name wins.
func (c *Cookie) InsertRelation(f *flow.UserFlow) {
	count := 0
	for _, el := range f.Elements {
		if !hasSessionCookie(el.Request.Cookies) {
			continue
		}
		for _, name := range request.SortedKeys(el.Request.Cookies) {
			if _, exists := f.ExternalVariables[name]; exists {
				continue
			}
			f.ExternalVariables[name] = el.Request.Cookies[name]
			count++
			c.log.Debug("Found cookie", "url", el.Request.URL, "name", name)
		}
	}
	c.log.Info("Cookie relations found", "count", count)
}

func hasSessionCookie(cookies map[string]string) bool {
	for _, name := range sessionCookies {
		if _, ok := cookies[name]; ok {
			return true
		}
	}
	return false
}
