package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Loki executes LogQL instant queries.
type Loki struct {
	c *Client
}

func NewLoki(baseURL string, opts Options) (*Loki, error) {
	c, err := NewClient("loki", baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Loki{c: c}, nil
}

func (l *Loki) Execute(ctx context.Context, query string) (json.RawMessage, error) {
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := l.c.GetJSON(ctx, "/loki/api/v1/query", url.Values{"query": {query}}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("unexpected response status %q", resp.Status)
	}
	return resp.Data, nil
}
