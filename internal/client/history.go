package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/vladimirruppel/groupsync/internal/protocol"
)

// History is the REST client for initial load and pagination: message
// history, group listing and detail, presence snapshots. Steady-state
// updates come over the real-time connection, never from here.
type History struct {
	log     zerolog.Logger
	baseURL string
	token   string
	http    *http.Client
}

// NewHistory builds a REST client for baseURL with a bearer token.
func NewHistory(baseURL, token string, log zerolog.Logger) *History {
	return &History{
		log:     log.With().Str("component", "history").Logger(),
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Messages fetches up to limit messages of a group, oldest first. A
// non-empty before cursor (a message id) pages further back.
func (h *History) Messages(ctx context.Context, groupID, before string, limit int) ([]protocol.ChatMessage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/groups/" + url.PathEscape(groupID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []protocol.ChatMessage
	if err := h.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Groups lists the groups visible to the client.
func (h *History) Groups(ctx context.Context) ([]protocol.GroupInfo, error) {
	var out []protocol.GroupInfo
	if err := h.get(ctx, "/api/groups", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Group fetches one group's detail.
func (h *History) Group(ctx context.Context, groupID string) (protocol.GroupInfo, error) {
	var out protocol.GroupInfo
	err := h.get(ctx, "/api/groups/"+url.PathEscape(groupID), &out)
	return out, err
}

// Presence fetches the current presence snapshot for a group.
func (h *History) Presence(ctx context.Context, groupID string) (protocol.PresenceUpdate, error) {
	var out protocol.PresenceUpdate
	err := h.get(ctx, "/api/groups/"+url.PathEscape(groupID)+"/presence", &out)
	return out, err
}

func (h *History) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("GET %s: read body: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var ep protocol.ErrorPayload
		if err := json.Unmarshal(body, &ep); err == nil && ep.ErrorCode != "" {
			return &protocol.RemoteError{Code: ep.ErrorCode, Message: ep.ErrorMessage}
		}
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: unmarshal response: %w", path, err)
	}
	return nil
}
