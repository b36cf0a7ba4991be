package kvstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Gist talks to a gist-style HTTPS endpoint: one gist per channel, one file
// per field. Values are base64 wrapped because gist files are text.
//
// GET  {base}/{channel}         -> {"files": {"offer": {"content": "..."}}}
// PATCH {base}/{channel}         with {"files": {"offer": {"content": "..."}}}
type Gist struct {
	base   string
	token  string
	client *http.Client
}

// NewGist validates the endpoint and returns a client. Plaintext HTTP is
// rejected: signaling payloads carry addresses and must not transit clear.
func NewGist(base, token string) (*Gist, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("kvstore: parse endpoint: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("kvstore: endpoint %q must use https", base)
	}
	return &Gist{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type gistFile struct {
	Content string `json:"content"`
}

type gistDoc struct {
	Files map[string]gistFile `json:"files"`
}

func (g *Gist) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("kvstore: endpoint returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func (g *Gist) Get(ctx context.Context, channel, field string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+"/"+url.PathEscape(channel), nil)
	if err != nil {
		return nil, err
	}
	raw, err := g.do(req)
	if err != nil {
		return nil, err
	}
	var doc gistDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("kvstore: decode response: %w", err)
	}
	f, ok := doc.Files[field]
	if !ok || f.Content == "" {
		return nil, ErrNotFound
	}
	value, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return nil, fmt.Errorf("kvstore: decode field %q: %w", field, err)
	}
	return value, nil
}

func (g *Gist) Patch(ctx context.Context, channel, field string, value []byte) error {
	doc := gistDoc{Files: map[string]gistFile{
		field: {Content: base64.StdEncoding.EncodeToString(value)},
	}}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, g.base+"/"+url.PathEscape(channel), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = g.do(req)
	return err
}
