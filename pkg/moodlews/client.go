// Package moodlews triggers the native Moodle side effects the bridge cannot
// perform by writing tables directly: override created/updated/deleted event
// emission, per-module override cache purges, and calendar event refresh.
// Calls go through Moodle's REST web-service endpoint.
package moodlews

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/noah-isme/sits-bridge-api/pkg/config"
)

// Override lifecycle actions reported to Moodle.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Notifier is the collaborator surface the activity adapters depend on.
type Notifier interface {
	OverrideChanged(ctx context.Context, module string, cmid, overrideID int64, action string) error
	RefreshCalendar(ctx context.Context, module string, cmid int64) error
}

// Client calls the Moodle web-service API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a Moodle web-service client.
func NewClient(cfg config.MoodleWSConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// OverrideChanged fires the native override event and purges the module's
// override cache.
func (c *Client) OverrideChanged(ctx context.Context, module string, cmid, overrideID int64, action string) error {
	params := url.Values{}
	params.Set("module", module)
	params.Set("cmid", strconv.FormatInt(cmid, 10))
	params.Set("overrideid", strconv.FormatInt(overrideID, 10))
	params.Set("action", action)

	return c.call(ctx, "local_sitsbridge_override_changed", params)
}

// RefreshCalendar rebuilds the module's scheduled calendar events.
func (c *Client) RefreshCalendar(ctx context.Context, module string, cmid int64) error {
	params := url.Values{}
	params.Set("module", module)
	params.Set("cmid", strconv.FormatInt(cmid, 10))

	return c.call(ctx, "local_sitsbridge_refresh_events", params)
}

func (c *Client) call(ctx context.Context, function string, params url.Values) error {
	params.Set("wstoken", c.token)
	params.Set("wsfunction", function)
	params.Set("moodlewsrestformat", "json")

	endpoint := c.baseURL + "/webservice/rest/server.php"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("build %s request: %w", function, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", function, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("call %s: status %d: %s", function, resp.StatusCode, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read %s response: %w", function, err)
	}
	if strings.Contains(string(body), "exception") {
		return fmt.Errorf("call %s: moodle error: %s", function, body)
	}

	return nil
}

// Nop is used when web-service notification is disabled; table writes still
// happen, Moodle picks the changes up on its own cache lifetimes.
type Nop struct{}

// OverrideChanged implements Notifier.
func (Nop) OverrideChanged(context.Context, string, int64, int64, string) error { return nil }

// RefreshCalendar implements Notifier.
func (Nop) RefreshCalendar(context.Context, string, int64) error { return nil }
