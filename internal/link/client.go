package link

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/stripcol/gateway/internal/model"
)

// Status fetches the gateway liveness document.
func (l *Link) Status(ctx context.Context) (*model.ServerStatus, error) {
	var st model.ServerStatus
	if err := l.getJSON(ctx, "/api", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Pair reports whether a plugin is bound for the current code.
func (l *Link) Pair(ctx context.Context) (bool, error) {
	code := l.wanted()
	if code == "" {
		return false, model.ErrMissingCode
	}
	var resp model.CommandResponse
	if err := l.getJSON(ctx, "/api/pair/"+url.PathEscape(code), nil, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// FetchATCList returns the gateway's cached ATC list for the current code.
func (l *Link) FetchATCList(ctx context.Context) (json.RawMessage, error) {
	code := l.wanted()
	if code == "" {
		return nil, model.ErrMissingCode
	}
	var list json.RawMessage
	if err := l.getJSON(ctx, "/api/ATC-list", url.Values{"code": {code}}, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// PointTime returns the cached ETA points of callsign, filtered by points.
func (l *Link) PointTime(ctx context.Context, callsign string, points []string) ([]json.RawMessage, error) {
	code := l.wanted()
	if code == "" {
		return nil, model.ErrMissingCode
	}
	q := url.Values{"code": {code}, "callsign": {callsign}}
	if len(points) > 0 {
		q.Set("points", strings.Join(points, ","))
	}
	var out []json.RawMessage
	if err := l.getJSON(ctx, "/api/point-time", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Command submits action with payload for the current code. The result only
// means the gateway queued it for the plugin.
func (l *Link) Command(ctx context.Context, action string, payload map[string]interface{}) error {
	code := l.wanted()
	if code == "" {
		return model.ErrMissingCode
	}

	body := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["code"] = code
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.base+"/api/"+url.PathEscape(action), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result model.CommandResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", model.ErrMissingCode, result.Message)
	case http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", model.ErrNoPlugin, result.Message)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", model.ErrChannelNotOpen, result.Message)
	default:
		return fmt.Errorf("command %s returned %s", action, resp.Status)
	}
}

// fetchAssumed pulls the gateway's full aircraft list for code.
func (l *Link) fetchAssumed(ctx context.Context, code string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	if err := l.getJSON(ctx, "/api/assumed", url.Values{"code": {code}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchAssumed returns the gateway's cached aircraft for the current code.
func (l *Link) FetchAssumed(ctx context.Context) ([]json.RawMessage, error) {
	code := l.wanted()
	if code == "" {
		return nil, model.ErrMissingCode
	}
	return l.fetchAssumed(ctx, code)
}

func (l *Link) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := l.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrNoSession
	case resp.StatusCode == http.StatusBadRequest:
		return model.ErrMissingCode
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("GET %s returned %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
