package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

// ControlClient calls the control API with a bearer token.
type ControlClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewControlClient(baseURL string, token string) *ControlClient {
	return &ControlClient{BaseURL: baseURL, Token: token, Client: &http.Client{}}
}

func (c *ControlClient) Do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.Client.Do(req)
}

// Call sends body (JSON-encoded when not nil) and returns the status and raw
// response body.
func (c *ControlClient) Call(t *testing.T, method string, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

// Decode calls the API and unmarshals a JSON answer into out.
func (c *ControlClient) Decode(t *testing.T, method string, path string, body any, out any) int {
	t.Helper()
	status, data := c.Call(t, method, path, body)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, data)
		}
	}
	return status
}
