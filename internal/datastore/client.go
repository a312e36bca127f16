// Package datastore implements the record-access contract against the hosted
// Supabase data store (PostgREST). Filters match by exact equality; an empty
// result set is an empty slice, never an error.
package datastore

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
)

const defaultTimeout = 30 * time.Second

type Client struct {
	restURL string
	key     string
	http    *http.Client
}

// SelectOptions narrows a Select call. Filters are rendered as eq.value
// query parameters, Order as a PostgREST order expression ("recorded_at.desc").
type SelectOptions struct {
	Columns string
	Filters map[string]string
	Order   string
	Limit   int
}

// Page is one page of records plus pagination metadata.
type Page struct {
	Items      []map[string]any `json:"items"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	PerPage    int              `json:"per_page"`
	TotalPages int              `json:"total_pages"`
	HasNext    bool             `json:"has_next"`
	HasPrev    bool             `json:"has_prev"`
}

func New(supabaseURL, supabaseKey string) *Client {
	return &Client{
		restURL: strings.TrimRight(supabaseURL, "/") + "/rest/v1",
		key:     supabaseKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, table string, query url.Values, body any) (*http.Request, error) {
	u := c.restURL + "/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func selectQuery(opts SelectOptions) url.Values {
	query := url.Values{}
	columns := opts.Columns
	if columns == "" {
		columns = "*"
	}
	query.Set("select", columns)
	for k, v := range opts.Filters {
		query.Set(k, "eq."+v)
	}
	if opts.Order != "" {
		query.Set("order", opts.Order)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	return query
}

func decodeRecords(resp *http.Response) ([]map[string]any, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("data store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		return []map[string]any{}, nil
	}
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	if records == nil {
		records = []map[string]any{}
	}
	return records, nil
}

// Select fetches all records matching opts from table.
func (c *Client) Select(ctx context.Context, table string, opts SelectOptions) ([]map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodGet, table, selectQuery(opts), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer resp.Body.Close()
	return decodeRecords(resp)
}

// SelectPaginated fetches one page of records. Total count comes from the
// PostgREST Content-Range header requested via Prefer: count=exact.
func (c *Client) SelectPaginated(ctx context.Context, table string, page, perPage int, opts SelectOptions) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	req, err := c.newRequest(ctx, http.MethodGet, table, selectQuery(opts), nil)
	if err != nil {
		return nil, err
	}
	from := (page - 1) * perPage
	req.Header.Set("Range-Unit", "items")
	req.Header.Set("Range", fmt.Sprintf("%d-%d", from, from+perPage-1))
	req.Header.Set("Prefer", "count=exact")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("select %s page %d: %w", table, page, err)
	}
	defer resp.Body.Close()

	items, err := decodeRecords(resp)
	if err != nil {
		return nil, err
	}

	total := len(items)
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		// format: "0-9/42" or "*/0"
		if idx := strings.LastIndex(cr, "/"); idx >= 0 && cr[idx+1:] != "*" {
			if n, err := strconv.Atoi(cr[idx+1:]); err == nil {
				total = n
			}
		}
	}

	totalPages := (total + perPage - 1) / perPage
	return &Page{
		Items:      items,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1 && total > 0,
	}, nil
}

// Insert creates one record and returns the stored representation.
func (c *Client) Insert(ctx context.Context, table string, record map[string]any) (map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodPost, table, nil, record)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	defer resp.Body.Close()

	records, err := decodeRecords(resp)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return map[string]any{}, nil
	}
	return records[0], nil
}

// Update patches all records matching filters and returns the updated rows.
func (c *Client) Update(ctx context.Context, table string, filters map[string]string, patch map[string]any) ([]map[string]any, error) {
	query := url.Values{}
	for k, v := range filters {
		query.Set(k, "eq."+v)
	}
	req, err := c.newRequest(ctx, http.MethodPatch, table, query, patch)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	defer resp.Body.Close()
	return decodeRecords(resp)
}

// Delete removes all records matching filters.
func (c *Client) Delete(ctx context.Context, table string, filters map[string]string) (bool, error) {
	query := url.Values{}
	for k, v := range filters {
		query.Set(k, "eq."+v)
	}
	req, err := c.newRequest(ctx, http.MethodDelete, table, query, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", table, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("data store returned %d", resp.StatusCode)
	}
	return true, nil
}

// Ping checks that the REST endpoint is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restURL+"/", nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("data store unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("data store returned %d", resp.StatusCode)
	}
	return nil
}
