// Package opensearch indexes finished runs into OpenSearch or Elasticsearch.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/history"
)

// Sink PUTs one document per run at baseURL/index/_doc/<job>-<build_id>, so
// a resent run overwrites instead of duplicating.
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	username string
	password string
}

type Option func(*Sink)

// WithBasicAuth sets credentials sent with every request.
func WithBasicAuth(user, pass string) Option {
	return func(s *Sink) { s.username, s.password = user, pass }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

func New(baseURL, index string, opts ...Option) *Sink {
	s := &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type document struct {
	history.Run
	DurationMS int64 `json:"duration_ms"`
}

func docID(r history.Run) string {
	return url.PathEscape(r.Job + "-" + strconv.FormatInt(r.BuildID, 10))
}

func (s *Sink) Send(ctx context.Context, r history.Run) error {
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.index, docID(r))
	b, err := json.Marshal(document{Run: r, DurationMS: r.FinishedAt.Sub(r.StartedAt).Milliseconds()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
