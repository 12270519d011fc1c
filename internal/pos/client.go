// Package pos talks to the point-of-sale provider: OAuth credential
// bootstrap, catalog reads for the menu cache, and order injection.
//
// The client makes exactly one attempt per call. Retries belong to the job
// queue, and a three-state circuit breaker keeps a dead provider from tying
// up workers and webhooks.
package pos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mealtone-ai/mealtone/internal/observe"
	"github.com/mealtone-ai/mealtone/internal/resilience"
	"github.com/mealtone-ai/mealtone/internal/store"
)

// ErrUnauthorized reports a credential the provider rejected. The tenant has
// to go through the OAuth flow again.
var ErrUnauthorized = errors.New("pos: credentials rejected")

// refreshSkew is how close to expiry a token may get before
// FreshCredentials refreshes it.
const refreshSkew = 5 * time.Minute

// Item is one sellable catalog entry as the provider reports it.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	PriceCents  int    `json:"price_cents"`
	Available   bool   `json:"available"`
}

// Config configures a [Client].
type Config struct {
	// BaseURL is the provider's API root, without a trailing slash. Required.
	BaseURL string

	// ClientID and ClientSecret identify this application to the provider's
	// OAuth server.
	ClientID     string
	ClientSecret string

	// RedirectURL is where the provider sends merchants after consent. It
	// must match the URL registered with the provider.
	RedirectURL string

	// HTTPClient overrides the transport. Defaults to a client with a 30s
	// timeout.
	HTTPClient *http.Client

	// Breaker guards all provider calls. Defaults to a breaker named "pos".
	Breaker *resilience.CircuitBreaker

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Client is the POS provider API client. Safe for concurrent use.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	redirectURL  string
	httpClient   *http.Client
	breaker      *resilience.CircuitBreaker
	metrics      *observe.Metrics
	log          *slog.Logger
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("pos: base URL must not be empty")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("pos: client ID must not be empty")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "pos"})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		httpClient:   cfg.HTTPClient,
		breaker:      cfg.Breaker,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
	}, nil
}

// AuthorizeURL returns the provider consent page a merchant is sent to.
// state is echoed back on the callback and must be verified there.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.redirectURL)
	q.Set("state", state)
	return c.baseURL + "/oauth/authorize?" + q.Encode()
}

// tokenRequest is the JSON body for the provider's token endpoint, covering
// both the code and the refresh grant.
type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// tokenResponse is the provider's token grant.
type tokenResponse struct {
	MerchantID   string `json:"merchant_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode trades an OAuth authorization code for tenant credentials.
func (c *Client) ExchangeCode(ctx context.Context, code string) (store.POSCredentials, error) {
	req := tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  c.redirectURL,
	}
	creds, err := c.token(ctx, "exchange_code", req)
	if err != nil {
		return store.POSCredentials{}, fmt.Errorf("pos: exchange code: %w", err)
	}
	return creds, nil
}

// Refresh trades a refresh token for fresh credentials. The provider may
// rotate the refresh token; callers must persist the returned credentials.
func (c *Client) Refresh(ctx context.Context, creds store.POSCredentials) (store.POSCredentials, error) {
	if creds.RefreshToken == "" {
		return store.POSCredentials{}, fmt.Errorf("pos: refresh: %w", ErrUnauthorized)
	}
	req := tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		GrantType:    "refresh_token",
		RefreshToken: creds.RefreshToken,
	}
	fresh, err := c.token(ctx, "refresh_token", req)
	if err != nil {
		return store.POSCredentials{}, fmt.Errorf("pos: refresh: %w", err)
	}
	if fresh.MerchantID == "" {
		fresh.MerchantID = creds.MerchantID
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = creds.RefreshToken
	}
	return fresh, nil
}

// FreshCredentials returns creds, refreshing them first when they expire
// inside the skew window. The second result reports that a refresh happened
// and the caller should persist the new credentials.
func (c *Client) FreshCredentials(ctx context.Context, creds store.POSCredentials) (store.POSCredentials, bool, error) {
	if creds.ExpiresAt.IsZero() || time.Until(creds.ExpiresAt) > refreshSkew {
		return creds, false, nil
	}
	fresh, err := c.Refresh(ctx, creds)
	if err != nil {
		return store.POSCredentials{}, false, err
	}
	return fresh, true, nil
}

func (c *Client) token(ctx context.Context, op string, body tokenRequest) (store.POSCredentials, error) {
	var tr tokenResponse
	err := c.call(ctx, op, http.MethodPost, "/oauth/token", "", body, &tr)
	if err != nil {
		return store.POSCredentials{}, err
	}
	if tr.AccessToken == "" {
		return store.POSCredentials{}, errors.New("grant carried no access token")
	}
	creds := store.POSCredentials{
		MerchantID:   tr.MerchantID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return creds, nil
}

// catalogResponse is the provider's item listing.
type catalogResponse struct {
	Items []Item `json:"items"`
}

// FetchCatalog lists the merchant's sellable items.
func (c *Client) FetchCatalog(ctx context.Context, creds store.POSCredentials) ([]Item, error) {
	var cr catalogResponse
	err := c.call(ctx, "fetch_catalog", http.MethodGet, "/v1/catalog/items", creds.AccessToken, nil, &cr)
	if err != nil {
		return nil, fmt.Errorf("pos: fetch catalog: %w", err)
	}
	return cr.Items, nil
}

// orderLine is one line item in an order submission.
type orderLine struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Note     string `json:"note,omitempty"`
}

// orderRequest is the order submission body. ExternalID carries our order ID
// so resubmissions deduplicate on the provider side.
type orderRequest struct {
	ExternalID string      `json:"external_id"`
	Lines      []orderLine `json:"line_items"`
	TotalCents int         `json:"total_cents"`
	Customer   struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"customer"`
	Note string `json:"note,omitempty"`
}

type orderResponse struct {
	ID string `json:"id"`
}

// SubmitOrder injects a captured order into the merchant's POS and returns
// the provider-side order ID.
func (c *Client) SubmitOrder(ctx context.Context, creds store.POSCredentials, order *store.Order) (string, error) {
	req := orderRequest{
		ExternalID: order.ID,
		TotalCents: int(math.Round(order.Total * 100)),
		Note:       order.Notes,
	}
	req.Customer.Name = order.CustomerName
	req.Customer.Phone = order.Phone
	for _, item := range order.Items {
		req.Lines = append(req.Lines, orderLine{
			Name:     item.Name,
			Quantity: item.Quantity,
			Note:     item.Notes,
		})
	}

	var or orderResponse
	if err := c.call(ctx, "submit_order", http.MethodPost, "/v1/orders", creds.AccessToken, req, &or); err != nil {
		return "", fmt.Errorf("pos: submit order %s: %w", order.ID, err)
	}
	return or.ID, nil
}

// call runs one provider request through the breaker and decodes the JSON
// response into out (skipped when out is nil).
func (c *Client) call(ctx context.Context, op, method, path, bearer string, body, out any) error {
	// A 401 means one tenant's credentials are stale, not that the provider
	// is down. It must not count against the breaker.
	var authErr error
	err := c.breaker.Execute(func() error {
		var reader *bytes.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			authErr = ErrUnauthorized
			return nil
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
	if err == nil {
		err = authErr
	}

	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case errors.Is(err, ErrUnauthorized):
		status = "unauthorized"
	case err != nil:
		status = "error"
	}
	c.metrics.RecordPOSRequest(ctx, op, status)
	return err
}
