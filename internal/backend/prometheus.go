package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"alertboard/internal/domain"
)

type promResponse struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"errorType,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (r promResponse) err() error {
	if r.Status == "success" {
		return nil
	}
	if r.Error != "" {
		return fmt.Errorf("%s: %s", r.ErrorType, r.Error)
	}
	return fmt.Errorf("unexpected response status %q", r.Status)
}

// Prometheus queries a Prometheus-compatible API (Prometheus, VictoriaMetrics,
// vmalert). It executes instant queries and lists alerts.
type Prometheus struct {
	c *Client
}

func NewPrometheus(baseURL string, opts Options) (*Prometheus, error) {
	c, err := NewClient("prometheus", baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Prometheus{c: c}, nil
}

// Execute runs an instant query and returns the "data" object verbatim.
func (p *Prometheus) Execute(ctx context.Context, query string) (json.RawMessage, error) {
	var resp promResponse
	if err := p.c.GetJSON(ctx, "/api/v1/query", url.Values{"query": {query}}, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Alerts lists active alerts.
func (p *Prometheus) Alerts(ctx context.Context) ([]domain.Alert, error) {
	var resp promResponse
	if err := p.c.GetJSON(ctx, "/api/v1/alerts", nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	var data struct {
		Alerts []domain.Alert `json:"alerts"`
	}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("invalid alerts payload: %w", err)
		}
	}
	return data.Alerts, nil
}

// LabelValues lists the values of a label, optionally restricted by
// equality matchers.
func (p *Prometheus) LabelValues(ctx context.Context, label string, matchers map[string]string) ([]string, error) {
	params := url.Values{}
	if sel := selector(matchers); sel != "" {
		params.Set("match[]", sel)
	}
	var resp promResponse
	if err := p.c.GetJSON(ctx, "/api/v1/label/"+label+"/values", params, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	var values []string
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &values); err != nil {
			return nil, fmt.Errorf("invalid label values payload: %w", err)
		}
	}
	return values, nil
}
