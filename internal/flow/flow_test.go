package flow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleHAR = `{
  "log": {
    "version": "1.2",
    "entries": [
      {
        "startedDateTime": "2024-05-01T10:00:00.000Z",
        "time": 120.5,
        "request": {
          "method": "POST",
          "url": "https://api.example.com/auth/login",
          "httpVersion": "HTTP/1.1",
          "headers": [{"name": "Content-Type", "value": "application/json"}],
          "queryString": [],
          "cookies": [],
          "postData": {"mimeType": "application/json", "text": "{\"username\":\"bob\",\"password\":\"hunter2\"}"}
        },
        "response": {
          "status": 200,
          "statusText": "OK",
          "headers": [{"name": "Content-Type", "value": "application/json"}],
          "cookies": [],
          "content": {"size": 40, "mimeType": "application/json", "text": "{\"access_token\":\"tok-123\",\"expires\":3600}"}
        }
      },
      {
        "startedDateTime": "2024-05-01T10:00:01.000Z",
        "time": 33,
        "request": {
          "method": "GET",
          "url": "https://api.example.com/users/42/orders?page=1&page=2&sort=asc",
          "httpVersion": "HTTP/1.1",
          "headers": [
            {"name": "authorization", "value": "Bearer tok-123"},
            {"name": "Accept", "value": "text/html"},
            {"name": "Accept", "value": "application/json"}
          ],
          "queryString": [
            {"name": "page", "value": "1"},
            {"name": "page", "value": "2"},
            {"name": "sort", "value": "asc"}
          ],
          "cookies": [{"name": "sessionid", "value": "s-1"}, {"name": "theme", "value": "dark"}]
        },
        "response": {
          "status": 200,
          "statusText": "OK",
          "headers": [{"name": "Content-Type", "value": "application/json"}],
          "cookies": [],
          "content": {"size": 30, "mimeType": "application/json", "text": "{\"items\":[{\"id\":1},{\"id\":2}]}"}
        }
      },
      {
        "startedDateTime": "2024-05-01T10:00:02.000Z",
        "time": 12,
        "request": {
          "method": "GET",
          "url": "https://api.example.com/status",
          "httpVersion": "HTTP/1.1",
          "headers": [],
          "queryString": [],
          "cookies": []
        },
        "response": {
          "status": 202,
          "statusText": "Accepted",
          "headers": [],
          "cookies": [],
          "content": {"size": 20, "mimeType": "text/plain", "text": "Q29kZTogNDgyMSBhY2NlcHRlZA==", "encoding": "base64"}
        }
      }
    ]
  }
}`

func loadSample(t *testing.T) *UserFlow {
	t.Helper()
	f, err := FromHAR([]byte(sampleHAR))
	require.NoError(t, err)
	return f
}
