package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// UpdateSource supplies fresh signed update blobs for a set of feeds.
type UpdateSource interface {
	Updates(ctx context.Context, feeds [][32]byte) ([][]byte, error)
}

// HTTPSource pulls the newest signed updates from a remote Handler.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource targets the oracle API rooted at baseURL.
func NewHTTPSource(baseURL string, client *http.Client) (*HTTPSource, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: source url required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{baseURL: trimmed, client: client}, nil
}

// Updates implements UpdateSource.
func (s *HTTPSource) Updates(ctx context.Context, feeds [][32]byte) ([][]byte, error) {
	if len(feeds) == 0 {
		return nil, nil
	}
	query := url.Values{}
	for _, id := range feeds {
		query.Add("id", FormatFeedID(id))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/updates/latest?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch updates: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, requestLimit))
	if err != nil {
		return nil, fmt.Errorf("oracle: read updates: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Code == "" {
			return nil, fmt.Errorf("oracle: updates returned status %d", resp.StatusCode)
		}
		return nil, remoteError(apiErr)
	}
	var payload updatesRequest
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("oracle: decode updates: %w", err)
	}
	return payload.Updates, nil
}

// Quote is a price a SignerSource attests to.
type Quote struct {
	Price int64
	Expo  int32
}

// SignerSource signs locally configured quotes with the current time. It
// backs devnets where the node is its own publisher.
type SignerSource struct {
	signer *Signer
	nowFn  func() int64

	mu     sync.RWMutex
	quotes map[[32]byte]Quote
}

// NewSignerSource wraps signer.
func NewSignerSource(signer *Signer) *SignerSource {
	return &SignerSource{
		signer: signer,
		nowFn:  func() int64 { return time.Now().Unix() },
		quotes: make(map[[32]byte]Quote),
	}
}

// SetNowFunc overrides the publish time source.
func (s *SignerSource) SetNowFunc(now func() int64) {
	if now != nil {
		s.nowFn = now
	}
}

// SetQuote records the price attested for feed.
func (s *SignerSource) SetQuote(feed [32]byte, q Quote) {
	s.mu.Lock()
	s.quotes[feed] = q
	s.mu.Unlock()
}

// Updates implements UpdateSource.
func (s *SignerSource) Updates(ctx context.Context, feeds [][32]byte) ([][]byte, error) {
	now := s.nowFn()
	out := make([][]byte, 0, len(feeds))
	for _, id := range feeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		q, ok := s.quotes[id]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: no quote for %s", ErrFeedNotFound, FormatFeedID(id))
		}
		blob, err := s.signer.SignBlob(id, q.Price, q.Expo, now)
		if err != nil {
			return nil, err
		}
		out = append(out, blob)
	}
	return out, nil
}
