package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/evaluation"
)

// HTTPClient reports outcomes to the recruiting frontend's application API.
type HTTPClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type applicationPatch struct {
	Status        string            `json:"status"`
	Evaluation    evaluation.Result `json:"evaluation"`
	InterviewedAt time.Time         `json:"interviewedAt"`
}

// Complete sends PATCH {base}/api/applications/{id}.
func (c *HTTPClient) Complete(ctx context.Context, out Outcome) error {
	if out.ApplicationID == "" {
		return fmt.Errorf("store: outcome without application id")
	}
	body, err := json.Marshal(applicationPatch{
		Status:        out.Status,
		Evaluation:    out.Evaluation,
		InterviewedAt: out.InterviewedAt.UTC(),
	})
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/api/applications/" + url.PathEscape(out.ApplicationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStoreWrite)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errorsx.Wrap(fmt.Errorf("store: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), errorsx.ReasonStoreWrite)
	}
	return nil
}

func (c *HTTPClient) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

var _ Recorder = (*HTTPClient)(nil)

// Multi fans an outcome out to several recorders and returns the first error.
type Multi []Recorder

func (m Multi) Complete(ctx context.Context, out Outcome) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Complete(ctx, out); err != nil && first == nil {
			first = err
		}
	}
	return first
}
