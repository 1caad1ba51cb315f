package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type httpLoader struct {
	endpoint string
	client   *http.Client
}

// NewHTTPLoader returns a loader backed by an embedding server. Load probes
// GET {endpoint}/v1/models/{name}; inference posts to {endpoint}/v1/embeddings.
func NewHTTPLoader(endpoint string, client *http.Client) Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpLoader{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

func (l *httpLoader) Load(ctx context.Context, name string) (Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint+"/v1/models/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding server returned status %s", resp.Status)
	}
	return &httpModel{loader: l, name: name}, nil
}

type httpModel struct {
	loader *httpLoader
	name   string
}

func (m *httpModel) Embed(ctx context.Context, samples []float32, rate int) ([]float32, error) {
	body, err := json.Marshal(execRequest{Model: m.name, SampleRate: rate, Samples: samples})
	if err != nil {
		return nil, err
	}
	defer clear(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.loader.endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.loader.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding server returned status %s", resp.Status)
	}

	var out execResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("embedding server: %s", out.Error)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding server returned no values")
	}
	return out.Embedding, nil
}

func (m *httpModel) Close() error { return nil }
