// Package gscapi queries the Search Console search analytics endpoint.
package gscapi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	searchconsole "google.golang.org/api/searchconsole/v1"

	"github.com/hazyhaar/gscload/ingest/internal/fetch"
)

// ReadonlyScope is the only scope ingestion needs.
const ReadonlyScope = searchconsole.WebmastersReadonlyScope

// Client implements fetch.Querier.
type Client struct {
	svc     *searchconsole.Service
	timeout time.Duration
}

// Credentials loads a service-account key file for scopes.
func Credentials(ctx context.Context, path string, scopes ...string) (*google.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gscapi: read credentials %s: %w", path, err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("gscapi: parse credentials %s: %w", path, err)
	}
	return creds, nil
}

// New builds a client authenticated with the service-account file at path.
// timeout bounds each query; zero means two minutes.
func New(ctx context.Context, path string, timeout time.Duration) (*Client, error) {
	creds, err := Credentials(ctx, path, ReadonlyScope)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(ctx, timeout, option.WithHTTPClient(oauth2.NewClient(ctx, creds.TokenSource)))
}

// NewWithOptions builds a client from raw client options, e.g. an endpoint
// and HTTP client in tests.
func NewWithOptions(ctx context.Context, timeout time.Duration, opts ...option.ClientOption) (*Client, error) {
	svc, err := searchconsole.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gscapi: new service: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{svc: svc, timeout: timeout}, nil
}

// Query runs one search analytics page. Errors are tagged for the fetcher.
func (c *Client) Query(ctx context.Context, req fetch.Request) ([]fetch.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := &searchconsole.SearchAnalyticsQueryRequest{
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		Dimensions: req.Dimensions,
		RowLimit:   int64(req.RowLimit),
		StartRow:   int64(req.StartRow),
		Type:       req.SearchType,
		DataState:  req.DataState,
	}
	resp, err := c.svc.Searchanalytics.Query(req.SiteURL, body).Context(ctx).Do()
	if err != nil {
		return nil, tag(err)
	}

	rows := make([]fetch.Row, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		if r == nil {
			continue
		}
		rows = append(rows, fetch.Row{
			Keys:        r.Keys,
			Clicks:      r.Clicks,
			Impressions: r.Impressions,
			CTR:         r.Ctr,
			Position:    r.Position,
		})
	}
	return rows, nil
}

// Site is one property visible to the credentials.
type Site struct {
	URL        string `json:"url"`
	Permission string `json:"permission"`
}

// Sites lists the properties the credentials can read.
func (c *Client) Sites(ctx context.Context) ([]Site, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.svc.Sites.List().Context(ctx).Do()
	if err != nil {
		return nil, tag(err)
	}
	out := make([]Site, 0, len(resp.SiteEntry))
	for _, s := range resp.SiteEntry {
		out = append(out, Site{URL: s.SiteUrl, Permission: s.PermissionLevel})
	}
	return out, nil
}

func tag(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		reason := ""
		if len(gErr.Errors) > 0 {
			reason = gErr.Errors[0].Reason
		}
		return fetch.Tag(gErr.Code, reason, fmt.Errorf("gscapi: %w", err))
	}
	// No API error body: the request never got a response.
	return &fetch.RetriableError{Class: fetch.ClassTemporary, Err: fmt.Errorf("gscapi: %w", err)}
}
