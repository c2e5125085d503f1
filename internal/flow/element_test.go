package flow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/reqflow/pkg/request"
)

func newElement(method request.Method, url, body string, headers map[string]string) *Element {
	return NewElement(&request.CapturedRequest{
		Method:  method,
		URL:     url,
		Headers: headers,
		Body:    body,
	}, &request.CapturedResponse{Status: 200})
}

func TestValueShape(t *testing.T) {
	f := loadSample(t)
	v := f.Elements[1].Value()

	req := v[KeyRequest].(map[string]any)
	assert.Equal(t, "https://api.example.com/users/42/orders", req[KeyURL])
	assert.Equal(t, map[string]any{"page": "1", "sort": "asc"}, req[KeyQueryParameters])
	assert.Nil(t, req[KeyBody])

	resp := v[KeyResponse].(map[string]any)
	assert.Equal(t, 200, resp[KeyStatus])
	items := resp[KeyBody].(map[string]any)["items"].([]any)
	assert.Equal(t, json.Number("1"), items[0].(map[string]any)["id"])
}

func TestValueIsACopy(t *testing.T) {
	f := loadSample(t)
	el := f.Elements[0]

	v := el.Value()
	v[KeyRequest].(map[string]any)[KeyHeaders].(map[string]any)["Content-Type"] = "text/plain"
	v[KeyRequest].(map[string]any)[KeyBody].(map[string]any)["username"] = "eve"

	again := el.Value()
	assert.Equal(t, "application/json", again[KeyRequest].(map[string]any)[KeyHeaders].(map[string]any)["Content-Type"])
	assert.Equal(t, "bob", again[KeyRequest].(map[string]any)[KeyBody].(map[string]any)["username"])
}

func TestFormBodyValue(t *testing.T) {
	el := newElement(request.MethodPost, "https://example.com/login", "a=1&b=2",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})

	body := el.Value()[KeyRequest].(map[string]any)[KeyBody]
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, body)
}

func TestUpdateRequestRequiresEveryKey(t *testing.T) {
	el := newElement(request.MethodGet, "https://example.com/x", "", nil)
	req := el.Value()[KeyRequest].(map[string]any)
	delete(req, KeyCookies)

	err := el.UpdateRequest(req)
	require.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), KeyCookies)
}

func TestUpdateRequestKeepsQuery(t *testing.T) {
	el := newElement(request.MethodGet, "https://example.com/users/1?full=true", "", nil)
	req := el.Value()[KeyRequest].(map[string]any)
	req[KeyURL] = "https://example.com/users/2"

	require.NoError(t, el.UpdateRequest(req))
	assert.Equal(t, "https://example.com/users/2?full=true", el.Request.URL)
}

func TestFillRequestPlaceholders(t *testing.T) {
	el := newElement(request.MethodPost, "https://example.com/users/{{user}}",
		`{"n":"{{num}}","s":"x-{{name}}","m":"{{missing}}"}`,
		map[string]string{"Authorization": "Bearer {{tok}}"})
	vars := map[string]any{"tok": "abc", "num": 5, "name": "bob", "user": json.Number("7")}

	unresolved, err := el.FillRequestPlaceholders(vars)
	require.NoError(t, err)
	assert.Equal(t, []string{"missing"}, unresolved)
	assert.Equal(t, "Bearer abc", el.Request.Headers["Authorization"])
	assert.Equal(t, "https://example.com/users/7", el.Request.URL)
	assert.JSONEq(t, `{"n":5,"s":"x-bob","m":"{{missing}}"}`, el.Request.Body)
}

func TestFillRequestPlaceholdersIdempotent(t *testing.T) {
	el := newElement(request.MethodPost, "https://example.com/items",
		`{ "a" : "{{missing}}",  "b": 1 }`, map[string]string{"X-Trace": "{{trace}}"})
	vars := map[string]any{"trace": "t-1"}

	_, err := el.FillRequestPlaceholders(vars)
	require.NoError(t, err)
	first := el.Request.Clone()

	unresolved, err := el.FillRequestPlaceholders(vars)
	require.NoError(t, err)
	assert.Equal(t, []string{"missing"}, unresolved)
	assert.Equal(t, first, el.Request)
}

func TestFillWithoutChangesLeavesBodyUntouched(t *testing.T) {
	body := `{ "a" : "{{missing}}" }`
	el := newElement(request.MethodPost, "https://example.com/items", body, nil)

	unresolved, err := el.FillRequestPlaceholders(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"missing"}, unresolved)
	assert.Equal(t, body, el.Request.Body)
}

func TestFillKeepsUnchangedStructuredBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"repeated form keys", request.MIMEForm, "item=1&item=2&note=x"},
		{"xml declaration", request.MIMEXML, `<?xml version="1.0" encoding="UTF-8"?>` + "\n<order><id>7</id></order>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			el := newElement(request.MethodPost, "https://example.com/orders", tt.body, map[string]string{
				"Content-Type":  tt.contentType,
				"Authorization": "Bearer {{tok}}",
			})

			unresolved, err := el.FillRequestPlaceholders(map[string]any{"tok": "t-1"})
			require.NoError(t, err)
			assert.Empty(t, unresolved)
			assert.Equal(t, "Bearer t-1", el.Request.Headers["Authorization"])
			assert.Equal(t, tt.body, el.Request.Body)
		})
	}
}

func TestFillFormBodyKeepsLayout(t *testing.T) {
	el := newElement(request.MethodPost, "https://example.com/orders", "item=1&item=2&note={{note}}&next=/home",
		map[string]string{"Content-Type": request.MIMEForm})

	_, err := el.FillRequestPlaceholders(map[string]any{"note": "a b&c"})
	require.NoError(t, err)
	assert.Equal(t, "item=1&item=2&note=a+b%26c&next=/home", el.Request.Body)
}

func TestFillXMLBodyKeepsDeclaration(t *testing.T) {
	el := newElement(request.MethodPost, "https://example.com/orders", `<?xml version="1.0"?><order><id>{{id}}</id></order>`,
		map[string]string{"Content-Type": request.MIMEXML})

	_, err := el.FillRequestPlaceholders(map[string]any{"id": "9"})
	require.NoError(t, err)
	assert.Equal(t, `<?xml version="1.0"?><order><id>9</id></order>`, el.Request.Body)
}

func TestExports(t *testing.T) {
	f := loadSample(t)
	login := f.Elements[0]

	require.NoError(t, login.AddExport("token", Export{JSONPath: "$.Response.Body.access_token"}))
	assert.ErrorIs(t, login.AddExport("token", Export{JSONPath: "$.Response.Status"}), ErrDuplicateExport)
	assert.ErrorIs(t, login.AddExport("bad", Export{JSONPath: "$.Response.Body.x", Regex: "("}), ErrInvalidExport)

	first := login.GetExported()
	assert.Equal(t, map[string]any{"token": "tok-123"}, first)
	assert.Equal(t, first, login.GetExported())

	assert.True(t, login.RemoveExport("token"))
	assert.False(t, login.RemoveExport("token"))
	assert.Empty(t, login.GetExported())
}

func TestEdit(t *testing.T) {
	f := loadSample(t)
	login := f.Elements[0]

	require.NoError(t, login.Edit("$.Request.Body.username", "alice"))
	assert.JSONEq(t, `{"username":"alice","password":"hunter2"}`, login.Request.Body)

	require.NoError(t, login.Edit("$.Request.Headers['X-Trace']", "t-9"))
	assert.Equal(t, "t-9", login.Request.Headers["X-Trace"])

	assert.ErrorIs(t, login.Edit("$.Response.Status", 500), ErrNotEditable)
	assert.ErrorIs(t, login.Edit("$.Request.Headers[*]", "x"), ErrUnsupportedPath)
}

func TestPlaceholdersListed(t *testing.T) {
	el := newElement(request.MethodGet, "https://example.com/{{a}}", "{{b}} {{a}}",
		map[string]string{"X": "{{c}}"})
	assert.Equal(t, []string{"a", "b", "c"}, el.Placeholders())
}
