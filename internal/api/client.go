// Package api is a thin client for the organizer REST endpoints of the quest
// backend that session monitoring depends on.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/questly/questmonitor/internal/quest"
)

var (
	ErrUnauthorized = errors.New("session expired")
	ErrNotFound     = errors.New("not found")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("api: %d %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

type Client struct {
	baseURL        string
	token          func() string
	http           *http.Client
	logger         *slog.Logger
	onUnauthorized func()
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithUnauthorizedHook registers fn to run on every 401 response, before the
// error is returned.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, token func() string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Session(ctx context.Context, id int64) (quest.SessionDetail, error) {
	var d quest.SessionDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/organizer/sessions/%d", id), nil, &d)
	return d, err
}

func (c *Client) Quest(ctx context.Context, id int64) (quest.Quest, error) {
	var q quest.Quest
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/organizer/quests/%d", id), nil, &q)
	return q, err
}

func (c *Client) Checkpoints(ctx context.Context, questID int64) ([]quest.Checkpoint, error) {
	var cps []quest.Checkpoint
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/organizer/quest/%d/checkpoints", questID), nil, &cps)
	return cps, err
}

func (c *Client) LatestLocations(ctx context.Context, sessionID int64) ([]quest.ParticipantLocation, error) {
	var locs []quest.ParticipantLocation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/organizer/sessions/%d/locations/latest", sessionID), nil, &locs)
	return locs, err
}

func (c *Client) Scores(ctx context.Context, sessionID int64) (quest.SessionScores, error) {
	var s quest.SessionScores
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/organizer/sessions/%d/scores", sessionID), nil, &s)
	return s, err
}

func (c *Client) Results(ctx context.Context, sessionID int64) (quest.SessionResults, error) {
	var r quest.SessionResults
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/organizer/sessions/%d/results", sessionID), nil, &r)
	return r, err
}

func (c *Client) PendingPhotos(ctx context.Context, sessionID int64) ([]quest.PendingPhoto, error) {
	var photos []quest.PendingPhoto
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/organizer/sessions/%d/photos/pending", sessionID), nil, &photos)
	return photos, err
}

type ModerateRequest struct {
	Approved        bool   `json:"approved"`
	RejectionReason string `json:"rejectionReason,omitempty"`
}

type ModerateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (c *Client) ModeratePhoto(ctx context.Context, sessionID, photoID int64, req ModerateRequest) (ModerateResponse, error) {
	var resp ModerateResponse
	path := fmt.Sprintf("/organizer/sessions/%d/photos/%d/moderate", sessionID, photoID)
	err := c.do(ctx, http.MethodPost, path, req, &resp)
	return resp, err
}

func (c *Client) CancelSession(ctx context.Context, sessionID int64) (quest.SessionDetail, error) {
	var d quest.SessionDetail
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/organizer/sessions/%d/cancel", sessionID), nil, &d)
	return d, err
}

type rescheduleRequest struct {
	StartDate time.Time `json:"startDate"`
}

// Reschedule moves the start of a session. The backend answers with the
// session summary, which is discarded; callers re-fetch the detail.
func (c *Client) Reschedule(ctx context.Context, sessionID int64, start time.Time) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/organizer/sessions/%d", sessionID), rescheduleRequest{StartDate: start.UTC()}, nil)
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var body struct {
		ServerTime time.Time `json:"serverTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/server-time", nil, &body); err != nil {
		return time.Time{}, err
	}
	return body.ServerTime, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
		c.logger.Debug("api request failed", "method", method, "path", path, "status", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return serr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(b))
}
