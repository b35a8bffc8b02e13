package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pricewager/native/wager"
)

// Client is a PriceOracle backed by a remote Handler.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient targets the oracle API rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: base url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("oracle: invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: trimmed, http: httpClient, timeout: 10 * time.Second}, nil
}

// UpdateFee implements wager.PriceOracle.
func (c *Client) UpdateFee(updates [][]byte) (*big.Int, error) {
	var resp amountResponse
	if err := c.do(http.MethodPost, "/fee", updatesRequest{Updates: updates}, &resp); err != nil {
		return nil, err
	}
	return parseAmount(resp.Amount)
}

// UpdatePriceFeeds implements wager.PriceOracle.
func (c *Client) UpdatePriceFeeds(updates [][]byte) (*big.Int, error) {
	var resp amountResponse
	if err := c.do(http.MethodPost, "/updates", updatesRequest{Updates: updates}, &resp); err != nil {
		return nil, err
	}
	return parseAmount(resp.Amount)
}

// PriceNoOlderThan implements wager.PriceOracle.
func (c *Client) PriceNoOlderThan(feedID [32]byte, maxAge int64) (wager.Price, error) {
	var resp priceResponse
	path := "/feeds/" + FormatFeedID(feedID) + "?maxAge=" + strconv.FormatInt(maxAge, 10)
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return wager.Price{}, err
	}
	return wager.Price{Price: resp.Price, Expo: resp.Expo, PublishTime: resp.PublishTime}, nil
}

func (c *Client) do(method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("oracle: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, requestLimit))
	if err != nil {
		return fmt.Errorf("oracle: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("oracle: %s returned status %d", path, resp.StatusCode)
		}
		return remoteError(apiErr)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("oracle: decode response: %w", err)
	}
	return nil
}

func remoteError(apiErr errorResponse) error {
	var sentinel error
	switch apiErr.Code {
	case "feed_not_found":
		sentinel = ErrFeedNotFound
	case "stale_price":
		sentinel = ErrStalePrice
	case "untrusted_publisher":
		sentinel = ErrUntrustedPublisher
	case "malformed_update":
		sentinel = ErrMalformedUpdate
	default:
		return fmt.Errorf("oracle: remote error: %s", apiErr.Error)
	}
	return fmt.Errorf("%w (remote: %s)", sentinel, apiErr.Error)
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid amount %q", value)
	}
	return amount, nil
}
