// =============================================================================
// Usage Reconciler - Billing API Client
// =============================================================================
//
// Thin client for the three remote operations the reconciler needs:
//
//   GET  /customers?filter=externalIds.externalId:eq:"<id>"   identity lookup
//   GET  /invoices?page=N&limit=M                              invoice index
//   POST /customers/{id}/invoices/{invoice}/attachments        file upload
//
// Every failure is returned as a *RemoteError, which matches
// ErrRemoteUnavailable. Callers decide whether that is fatal; the resolvers
// treat it as a miss.
//
// =============================================================================

package billingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options configures a Client. Zero values get defaults.
type Options struct {
	BaseURL        string
	Token          string
	LookupTimeout  time.Duration
	RequestTimeout time.Duration
	PageSize       int
	MaxPages       int
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client talks to the billing API.
type Client struct {
	baseURL        string
	token          string
	lookupTimeout  time.Duration
	requestTimeout time.Duration
	pageSize       int
	maxPages       int
	http           *http.Client
	log            *zap.Logger
}

// New returns a Client.
func New(opts Options) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		token:          strings.TrimSpace(opts.Token),
		lookupTimeout:  opts.LookupTimeout,
		requestTimeout: opts.RequestTimeout,
		pageSize:       opts.PageSize,
		maxPages:       opts.MaxPages,
		http:           opts.HTTPClient,
		log:            opts.Logger,
	}
	if c.lookupTimeout <= 0 {
		c.lookupTimeout = 10 * time.Second
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 30 * time.Second
	}
	if c.pageSize <= 0 {
		c.pageSize = 1000
	}
	if c.maxPages <= 0 {
		c.maxPages = 100
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// HasToken reports whether an API token is configured. Without one every
// call fails.
func (c *Client) HasToken() bool { return c.token != "" }

// Token returns the configured token.
func (c *Client) Token() string { return c.token }

// FindCustomersByExternalID returns the customers whose external ids match
// externalID, as filtered by the server.
func (c *Client) FindCustomersByExternalID(ctx context.Context, externalID string) ([]Customer, error) {
	const op = "find customers"

	ctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("filter", fmt.Sprintf("externalIds.externalId:eq:%q", externalID))

	var env listEnvelope[Customer]
	if err := c.getJSON(ctx, op, "/customers?"+q.Encode(), &env); err != nil {
		return nil, err
	}
	return env.items(), nil
}

// ListInvoicesPage fetches one page (1-based) of the invoice index.
func (c *Client) ListInvoicesPage(ctx context.Context, page int) (InvoicePage, error) {
	op := "list invoices page " + strconv.Itoa(page)

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("page", strconv.Itoa(page))

	var env listEnvelope[Invoice]
	if err := c.getJSON(ctx, op, "/invoices?"+q.Encode(), &env); err != nil {
		return InvoicePage{}, err
	}
	total, current := env.pages()
	return InvoicePage{Invoices: env.items(), TotalPages: total, CurrentPage: current}, nil
}

// FetchAllInvoices walks the invoice index page by page.
//
// Pagination stops on an empty page, when the server reports the last page,
// when a page comes back short (no metadata), or at the MaxPages cap. The
// context is checked before every page. Any error discards the pages already
// fetched so callers never persist a partial index.
func (c *Client) FetchAllInvoices(ctx context.Context) ([]Invoice, error) {
	var all []Invoice

	for page := 1; ; page++ {
		if page > c.maxPages {
			c.log.Warn("invoice pagination reached page cap",
				zap.Int("max_pages", c.maxPages),
				zap.Int("invoices", len(all)))
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, &RemoteError{Op: "list invoices", Err: err}
		}

		p, err := c.ListInvoicesPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(p.Invoices) == 0 {
			break
		}
		all = append(all, p.Invoices...)

		c.log.Debug("fetched invoice page",
			zap.Int("page", page),
			zap.Int("count", len(p.Invoices)),
			zap.Int("total", len(all)))

		if p.TotalPages > 0 && p.CurrentPage > 0 {
			if p.CurrentPage >= p.TotalPages {
				break
			}
		} else if len(p.Invoices) < c.pageSize {
			break
		}
	}

	return all, nil
}

// UploadAttachment posts content as a multipart file attachment to an
// invoice. Both 200 and 201 are success.
func (c *Client) UploadAttachment(ctx context.Context, customerID, invoiceID, fileName string, content io.Reader) error {
	const op = "upload attachment"

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return fmt.Errorf("build attachment body: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("read attachment %s: %w", fileName, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build attachment body: %w", err)
	}

	path := fmt.Sprintf("/customers/%s/invoices/%s/attachments",
		url.PathEscape(customerID), url.PathEscape(invoiceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return &RemoteError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &RemoteError{Op: op, StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, pathAndQuery string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return &RemoteError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &RemoteError{Op: op, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// authorize sets the raw token; the API does not use a Bearer prefix.
func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
}
