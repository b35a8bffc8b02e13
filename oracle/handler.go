package oracle

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const requestLimit = 1 << 20 // 1 MiB

type updatesRequest struct {
	Updates [][]byte `json:"updates"`
}

type amountResponse struct {
	Amount string `json:"amount"`
}

type priceResponse struct {
	FeedID      string `json:"feedId"`
	Price       int64  `json:"price"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publishTime"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handler exposes a Feed over HTTP so remote engines can use it through
// Client and keepers can fetch signed updates through HTTPSource.
type Handler struct {
	feed *Feed
}

// NewHandler wraps feed.
func NewHandler(feed *Feed) *Handler {
	return &Handler{feed: feed}
}

// Mount registers the oracle routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/feeds", h.listFeeds)
	r.Get("/feeds/{id}", h.getPrice)
	r.Post("/fee", h.quoteFee)
	r.Post("/updates", h.submitUpdates)
	r.Get("/updates/latest", h.latestUpdates)
}

// Routes returns a standalone router serving the oracle API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func (h *Handler) listFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"feeds": h.feed.Snapshot()})
}

func (h *Handler) getPrice(w http.ResponseWriter, r *http.Request) {
	id, err := ParseFeedID(chi.URLParam(r, "id"))
	if err != nil {
		writeOracleError(w, err)
		return
	}
	maxAge := int64(60)
	if raw := r.URL.Query().Get("maxAge"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "maxAge must be a positive integer", Code: "invalid_request"})
			return
		}
		maxAge = parsed
	}
	price, err := h.feed.PriceNoOlderThan(id, maxAge)
	if err != nil {
		writeOracleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		FeedID:      FormatFeedID(id),
		Price:       price.Price,
		Expo:        price.Expo,
		PublishTime: price.PublishTime,
	})
}

func (h *Handler) quoteFee(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUpdates(w, r)
	if !ok {
		return
	}
	fee, err := h.feed.UpdateFee(req.Updates)
	if err != nil {
		writeOracleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: fee.String()})
}

func (h *Handler) submitUpdates(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUpdates(w, r)
	if !ok {
		return
	}
	charged, err := h.feed.UpdatePriceFeeds(req.Updates)
	if err != nil {
		writeOracleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: charged.String()})
}

func (h *Handler) latestUpdates(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	blobs := make([][]byte, 0, len(ids))
	for _, raw := range ids {
		id, err := ParseFeedID(raw)
		if err != nil {
			writeOracleError(w, err)
			return
		}
		u, ok := h.feed.Latest(id)
		if !ok {
			writeOracleError(w, ErrFeedNotFound)
			return
		}
		blob, err := Encode(u)
		if err != nil {
			writeOracleError(w, err)
			return
		}
		blobs = append(blobs, blob)
	}
	writeJSON(w, http.StatusOK, updatesRequest{Updates: blobs})
}

func decodeUpdates(w http.ResponseWriter, r *http.Request) (updatesRequest, bool) {
	var req updatesRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body", Code: "invalid_request"})
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Code: "invalid_request"})
		return req, false
	}
	return req, true
}

func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, ErrFeedNotFound):
		return http.StatusNotFound, "feed_not_found"
	case errors.Is(err, ErrStalePrice):
		return http.StatusConflict, "stale_price"
	case errors.Is(err, ErrUntrustedPublisher):
		return http.StatusForbidden, "untrusted_publisher"
	case errors.Is(err, ErrMalformedUpdate):
		return http.StatusBadRequest, "malformed_update"
	default:
		return http.StatusBadRequest, "invalid_request"
	}
}

func writeOracleError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
