// Package source fetches pages of records from a query-oriented source API.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/OFFIS-RIT/graphport/pkg/common"
	"golang.org/x/time/rate"
)

// Page is one response of a list query.
type Page struct {
	Records    []common.Record
	NextCursor string
	HasMore    bool
}

// Client runs list queries from a QueryLibrary. It is safe for concurrent use;
// every call owns its cursor.
type Client struct {
	url      string
	token    string
	pageSize int
	queries  *QueryLibrary
	http     *http.Client
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewClientParams configures a Client.
//
// RateLimit is the request budget per second shared by all callers; zero
// disables pacing. Timeout bounds a single request.
type NewClientParams struct {
	URL        string
	Token      string
	PageSize   int
	Queries    *QueryLibrary
	RateLimit  float64
	Timeout    time.Duration
	HTTPClient *http.Client
}

func NewClient(params NewClientParams) *Client {
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	hc := params.HTTPClient
	if hc == nil {
		timeout := params.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{
		url:      params.URL,
		token:    params.Token,
		pageSize: pageSize,
		queries:  params.Queries,
		http:     hc,
		now:      time.Now,
	}
	if params.RateLimit > 0 {
		burst := max(1, int(params.RateLimit))
		c.limiter = rate.NewLimiter(rate.Limit(params.RateLimit), burst)
	}
	return c
}

type gqlRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables"`
}

type gqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type recordsPage struct {
	Records    json.RawMessage `json:"records"`
	NextCursor *string         `json:"nextCursor"`
	HasMore    *bool           `json:"hasMore"`
	Edges      []struct {
		Node json.RawMessage `json:"node"`
	} `json:"edges"`
	PageInfo *struct {
		EndCursor   *string `json:"endCursor"`
		HasNextPage bool    `json:"hasNextPage"`
	} `json:"pageInfo"`
}

// FetchPage runs the list query of typeName starting after cursor. An empty
// cursor requests the first page.
func (c *Client) FetchPage(ctx context.Context, typeName, cursor string) (Page, error) {
	q, ok := c.queries.Query(typeName)
	if !ok {
		return Page{}, &QueryError{Messages: []string{"no query for type " + typeName}}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Page{}, err
		}
	}

	vars := map[string]any{"first": c.pageSize, "after": nil}
	if cursor != "" {
		vars["after"] = cursor
	}
	body, err := json.Marshal(gqlRequest{Query: q.Text, OperationName: q.Name, Variables: vars})
	if err != nil {
		return Page{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		return Page{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, &TransientError{Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Page{}, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now())}
	case resp.StatusCode >= 500:
		return Page{}, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("%s", snippet(raw))}
	case resp.StatusCode == http.StatusRequestTimeout:
		return Page{}, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("request timeout")}
	case resp.StatusCode >= 400:
		return Page{}, &QueryError{Status: resp.StatusCode, Messages: []string{snippet(raw)}}
	}

	return decodePage(typeName, q.Field, raw)
}

func decodePage(typeName, field string, raw []byte) (Page, error) {
	var gr gqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return Page{}, &TransientError{Status: http.StatusOK, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return Page{}, &QueryError{Status: http.StatusOK, Messages: msgs}
	}
	data, ok := gr.Data[field]
	if !ok {
		return Page{}, &QueryError{Status: http.StatusOK, Messages: []string{fmt.Sprintf("response has no field %q", field)}}
	}

	var rp recordsPage
	if err := json.Unmarshal(data, &rp); err != nil {
		return Page{}, &QueryError{Status: http.StatusOK, Messages: []string{"decode page: " + err.Error()}}
	}

	var page Page
	switch {
	case rp.HasMore != nil:
		records, err := common.DecodeRecords(typeName, rp.Records)
		if err != nil {
			return Page{}, &QueryError{Status: http.StatusOK, Messages: []string{err.Error()}}
		}
		page.Records = records
		page.HasMore = *rp.HasMore
		if rp.NextCursor != nil {
			page.NextCursor = *rp.NextCursor
		}
	case rp.PageInfo != nil:
		nodes := make([]json.RawMessage, 0, len(rp.Edges))
		for _, e := range rp.Edges {
			nodes = append(nodes, e.Node)
		}
		arr, err := json.Marshal(nodes)
		if err != nil {
			return Page{}, err
		}
		records, err := common.DecodeRecords(typeName, arr)
		if err != nil {
			return Page{}, &QueryError{Status: http.StatusOK, Messages: []string{err.Error()}}
		}
		page.Records = records
		page.HasMore = rp.PageInfo.HasNextPage
		if rp.PageInfo.EndCursor != nil {
			page.NextCursor = *rp.PageInfo.EndCursor
		}
	default:
		return Page{}, &QueryError{Status: http.StatusOK, Messages: []string{
			fmt.Sprintf("field %q is not a page: expected records/hasMore or edges/pageInfo", field),
		}}
	}
	return page, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
