package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrDenied is returned by a broker that refuses to issue a token.
var ErrDenied = errors.New("token request denied by account broker")

// BrokerToken is a token minted by an account broker.
type BrokerToken struct {
	AccessToken string
	Expiry      time.Time
}

// Broker issues tokens for accounts it manages.
type Broker interface {
	Invalidate(ctx context.Context, account, token string) error
	MintToken(ctx context.Context, account string) (BrokerToken, error)
}

// HTTPBroker talks to an account broker over HTTP:
//
//	POST {url}/invalidate  {"account": "...", "token": "..."}
//	POST {url}/token       {"account": "..."} -> {"access_token": "...", "expires_in": 3600}
//
// 401 and 403 answers are denials.
type HTTPBroker struct {
	URL        string
	APIKey     string
	httpClient *http.Client
}

// NewHTTPBroker creates a broker client for baseURL.
func NewHTTPBroker(baseURL, apiKey string) *HTTPBroker {
	return &HTTPBroker{
		URL:    strings.TrimRight(baseURL, "/"),
		APIKey: apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type brokerRequest struct {
	Account string `json:"account"`
	Token   string `json:"token,omitempty"`
}

type brokerResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
}

// Invalidate tells the broker the token was rejected.
func (b *HTTPBroker) Invalidate(ctx context.Context, account, token string) error {
	_, err := b.post(ctx, "/invalidate", brokerRequest{Account: account, Token: token})
	return err
}

// MintToken requests a fresh token for account.
func (b *HTTPBroker) MintToken(ctx context.Context, account string) (BrokerToken, error) {
	resp, err := b.post(ctx, "/token", brokerRequest{Account: account})
	if err != nil {
		return BrokerToken{}, err
	}
	tok := BrokerToken{AccessToken: resp.AccessToken}
	if resp.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (b *HTTPBroker) post(ctx context.Context, path string, body brokerRequest) (brokerResponse, error) {
	var out brokerResponse
	payload, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("marshaling broker request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL+path, bytes.NewReader(payload))
	if err != nil {
		return out, fmt.Errorf("creating broker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("calling account broker: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("reading broker response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return out, ErrDenied
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent:
		return out, fmt.Errorf("account broker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding broker response: %w", err)
	}
	if out.Error != "" {
		return out, fmt.Errorf("%w: %s", ErrDenied, out.Error)
	}
	return out, nil
}
