// Package remote talks to an out-of-process compute server over HTTP. The
// server owns the KV cache memory and the model; the engine sends it block
// operations and batch descriptions.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Info describes the model served by a compute server.
type Info struct {
	VocabSize  int    `json:"vocab_size"`
	EOSTokenID int    `json:"eos_token_id"`
	ModelType  string `json:"model_type"`
}

type client struct {
	serverURL string
	http      *http.Client
}

func newClient(serverURL string, hc *http.Client) client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return client{serverURL: strings.TrimSuffix(serverURL, "/"), http: hc}
}

func (c client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// FetchInfo asks the server which model it serves.
func FetchInfo(ctx context.Context, serverURL string, hc *http.Client) (Info, error) {
	var info Info
	if err := newClient(serverURL, hc).do(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return Info{}, fmt.Errorf("failed to connect to server: %w", err)
	}
	return info, nil
}
