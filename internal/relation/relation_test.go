package relation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/pkg/request"
)

func element(method request.Method, url string, headers, cookies map[string]string, body string, status int, respBody string) *flow.Element {
	return flow.NewElement(&request.CapturedRequest{
		Method:  method,
		URL:     url,
		Headers: headers,
		Cookies: cookies,
		Body:    body,
	}, &request.CapturedResponse{Status: status, Body: respBody})
}

func TestRegisteredOrder(t *testing.T) {
	names := func(rs []flow.Relation) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.Name())
		}
		return out
	}

	assert.Equal(t, []string{"bearer", "cookie", "sensitive_info"}, names(Registered(Options{}, nil)))
	assert.Equal(t, []string{"bearer", "sensitive_info"},
		names(Registered(Options{Enabled: []string{"sensitive_info", "bearer"}}, logger.Nop())))

	opts := OptionsFromConfig(&config.RelationsConfig{Enabled: []string{"cookie"}, Naming: "legacy"})
	assert.Equal(t, []string{"cookie"}, names(Registered(opts, nil)))
}

func TestBearerAuthEndToEnd(t *testing.T) {
	login := element(request.MethodPost, "https://api.example.com/login", nil, nil,
		`{"u":"a"}`, 200, `{"access_token":"abc.def","expires_in":3600}`)
	profile := element(request.MethodGet, "https://api.example.com/me",
		map[string]string{"authorization": "Bearer abc.def"}, nil, "", 200, `{"id":1}`)
	orders := element(request.MethodGet, "https://api.example.com/orders",
		map[string]string{"Authorization": "Bearer abc.def"}, nil, "", 200, `[]`)
	f := flow.New(login, profile, orders)

	NewBearerAuth(logger.Nop()).InsertRelation(f)

	exports := login.Exports()
	require.Contains(t, exports, "extracted_auth_token_1")
	assert.Equal(t, "$.Response.Body.access_token", exports["extracted_auth_token_1"].JSONPath)
	assert.Equal(t, map[string]any{"extracted_auth_token_1": "abc.def"}, login.GetExported())

	assert.Equal(t, "Bearer {{extracted_auth_token_1}}", profile.Request.Headers["authorization"])
	assert.Equal(t, "Bearer {{extracted_auth_token_1}}", orders.Request.Headers["Authorization"])
	assert.Empty(t, profile.Exports())
}

func TestBearerAuthNestedTokenAndNumbering(t *testing.T) {
	first := element(request.MethodPost, "https://a.example.com/token", nil, nil, "", 200,
		`{"data":{"session":{"jwt":"tok-one"}}}`)
	useFirst := element(request.MethodGet, "https://a.example.com/x",
		map[string]string{"Authorization": "Bearer tok-one"}, nil, "", 200, "")
	second := element(request.MethodPost, "https://b.example.com/token", nil, nil, "", 200,
		`{"access_token":"tok-two"}`)
	useSecond := element(request.MethodGet, "https://b.example.com/y",
		map[string]string{"Authorization": "Bearer tok-two"}, nil, "", 200, "")
	orphan := element(request.MethodGet, "https://c.example.com/z",
		map[string]string{"Authorization": "Bearer unknown"}, nil, "", 200, "")
	empty := element(request.MethodGet, "https://c.example.com/e",
		map[string]string{"Authorization": "Bearer "}, nil, "", 200, "")
	f := flow.New(first, useFirst, second, useSecond, orphan, empty)

	NewBearerAuth(logger.Nop()).InsertRelation(f)

	assert.Equal(t, "$.Response.Body.data.session.jwt", first.Exports()["extracted_auth_token_1"].JSONPath)
	assert.Equal(t, "$.Response.Body.access_token", second.Exports()["extracted_auth_token_2"].JSONPath)
	assert.Equal(t, "Bearer {{extracted_auth_token_1}}", useFirst.Request.Headers["Authorization"])
	assert.Equal(t, "Bearer {{extracted_auth_token_2}}", useSecond.Request.Headers["Authorization"])
	assert.Equal(t, "Bearer unknown", orphan.Request.Headers["Authorization"])
	assert.Equal(t, "Bearer ", empty.Request.Headers["Authorization"])
	assert.Equal(t, map[string]any{"extracted_auth_token_1": "tok-one"}, first.GetExported())
}

func TestCookieHoist(t *testing.T) {
	plain := element(request.MethodGet, "https://example.com/a", nil,
		map[string]string{"theme": "light"}, "", 200, "")
	session := element(request.MethodGet, "https://example.com/b", nil,
		map[string]string{"sessionid": "s-1", "theme": "dark"}, "", 200, "")
	later := element(request.MethodGet, "https://example.com/c", nil,
		map[string]string{"csrftoken": "c-1", "sessionid": "s-2"}, "", 200, "")
	f := flow.New(plain, session, later)
	f.ExternalVariables["csrftoken"] = "preset"

	NewCookie(logger.Nop()).InsertRelation(f)

	assert.Equal(t, map[string]any{"sessionid": "s-1", "theme": "dark", "csrftoken": "preset"}, f.ExternalVariables)
	assert.Equal(t, "s-2", later.Request.Cookies["sessionid"], "cookies are not rewritten")
}

func TestSensitiveInfoJSONAndForm(t *testing.T) {
	jsonLogin := element(request.MethodPost, "https://example.com/api/login",
		map[string]string{"Content-Type": "application/json"}, nil,
		`{"username": "bob", "password":"hunter2", "remember":true}`, 200, "")
	formLogin := element(request.MethodPost, "https://example.com/login",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"}, nil,
		"csrfmiddlewaretoken=tok&email=a%40b.c&next=/home&xemail=keep", 302, "")
	f := flow.New(jsonLogin, formLogin)

	NewSensitiveInfo(nil, config.NamingConsistent, logger.Nop()).InsertRelation(f)

	assert.Equal(t, `{"username": "{{extracted_username}}", "password":"{{extracted_password}}", "remember":true}`, jsonLogin.Request.Body)
	assert.Equal(t, "csrfmiddlewaretoken={{extracted_csrfmiddlewaretoken}}&email={{extracted_email}}&next=/home&xemail=keep", formLogin.Request.Body)
	assert.Equal(t, map[string]any{
		"extracted_username":            "bob",
		"extracted_password":            "hunter2",
		"extracted_csrfmiddlewaretoken": "tok",
		"extracted_email":               "a@b.c",
	}, f.ExternalVariables)

	unresolved, err := jsonLogin.FillRequestPlaceholders(f.ExternalVariables)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
	assert.JSONEq(t, `{"username":"bob","password":"hunter2","remember":true}`, jsonLogin.Request.Body)

	unresolved, err = formLogin.FillRequestPlaceholders(f.ExternalVariables)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
	assert.Equal(t, "csrfmiddlewaretoken=tok&email=a%40b.c&next=/home&xemail=keep", formLogin.Request.Body)
}

func TestSensitiveInfoEncodedValuesRoundTrip(t *testing.T) {
	relation := NewSensitiveInfo([]string{"email", "username", "password"}, config.NamingConsistent, logger.Nop())

	formLogin := element(request.MethodPost, "https://example.com/login",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"}, nil,
		"email=a%40b.c&password=p%26w", 302, "")
	formFlow := flow.New(formLogin)
	relation.InsertRelation(formFlow)

	assert.Equal(t, map[string]any{"extracted_email": "a@b.c", "extracted_password": "p&w"}, formFlow.ExternalVariables)
	_, err := formLogin.FillRequestPlaceholders(formFlow.ExternalVariables)
	require.NoError(t, err)
	assert.Equal(t, "email=a%40b.c&password=p%26w", formLogin.Request.Body)

	jsonLogin := element(request.MethodPost, "https://example.com/api/login",
		map[string]string{"Content-Type": "application/json"}, nil,
		`{"username":"a\/b","password":"pa\"ss","user":"x"}`, 200, "")
	jsonFlow := flow.New(jsonLogin)
	relation.InsertRelation(jsonFlow)

	assert.Equal(t, map[string]any{"extracted_username": "a/b", "extracted_password": `pa"ss`}, jsonFlow.ExternalVariables)
	assert.Equal(t, `{"username":"{{extracted_username}}","password":"{{extracted_password}}","user":"x"}`, jsonLogin.Request.Body)
	_, err = jsonLogin.FillRequestPlaceholders(jsonFlow.ExternalVariables)
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"a/b","password":"pa\"ss","user":"x"}`, jsonLogin.Request.Body)
}

func TestSensitiveInfoNaming(t *testing.T) {
	body := "username=bob&password=pw"
	tests := []struct {
		naming      string
		wantVars    map[string]any
		wantMissing []string
	}{
		{
			naming:   config.NamingConsistent,
			wantVars: map[string]any{"extracted_username": "bob", "extracted_password": "pw"},
		},
		{
			naming:      config.NamingLegacy,
			wantVars:    map[string]any{"extracted_username_": "bob", "extracted_password_": "pw"},
			wantMissing: []string{"extracted_password", "extracted_username"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.naming, func(t *testing.T) {
			el := element(request.MethodPost, "https://example.com/login", nil, nil, body, 200, "")
			f := flow.New(el)

			NewSensitiveInfo([]string{"username", "password"}, tt.naming, logger.Nop()).InsertRelation(f)

			assert.Equal(t, "username={{extracted_username}}&password={{extracted_password}}", el.Request.Body)
			assert.Equal(t, tt.wantVars, f.ExternalVariables)

			unresolved, err := el.FillRequestPlaceholders(f.ExternalVariables)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMissing, unresolved)
		})
	}
}

func TestSensitiveInfoSkipsPlaceholders(t *testing.T) {
	el := element(request.MethodPost, "https://example.com/login", nil, nil,
		"username={{extracted_username}}", 200, "")
	f := flow.New(el)

	NewSensitiveInfo(nil, "", logger.Nop()).InsertRelation(f)

	assert.Empty(t, f.ExternalVariables)
	assert.Equal(t, "username={{extracted_username}}", el.Request.Body)
}

func TestFindRelationsWithRegistry(t *testing.T) {
	login := element(request.MethodPost, "https://example.com/login", nil,
		map[string]string{"csrftoken": "c"}, "username=bob&password=pw", 200, `{"access_token":"T1"}`)
	api := element(request.MethodGet, "https://example.com/api",
		map[string]string{"Authorization": "Bearer T1"}, nil, "", 200, "{}")
	f := flow.New(login, api)

	require.NoError(t, f.FindRelations(Registered(Options{}, logger.Nop())))
	assert.ErrorIs(t, f.FindRelations(Registered(Options{}, logger.Nop())), flow.ErrRelationsApplied)

	assert.Equal(t, "Bearer {{extracted_auth_token_1}}", api.Request.Headers["Authorization"])
	assert.Equal(t, "c", f.ExternalVariables["csrftoken"])
	assert.Equal(t, "bob", f.ExternalVariables["extracted_username"])
}
