// Package sits provides the HTTP client for the university student records
// system. The bridge consumes its get-students endpoint to obtain
// authoritative accommodation data and pushes marks through its
// grade-transfer endpoint.
package sits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/noah-isme/sits-bridge-api/pkg/config"
)

// Student is one row of the get-students-for-component-grade response.
type Student struct {
	Code       string     `json:"code"`
	SprCode    string     `json:"spr_code"`
	Assessment Assessment `json:"assessment"`
}

// Assessment carries the per-student SORA rates declared by SITS, expressed
// in minutes of extension per hour of assessment duration.
type Assessment struct {
	SoraAssessmentDuration int `json:"sora_assessment_duration"`
	SoraRestDuration       int `json:"sora_rest_duration"`
}

// DeadlineExtension is the authoritative outcome of one extenuating
// circumstances case.
type DeadlineExtension struct {
	Identifier  string `json:"identifier"`
	Decision    string `json:"decision"`
	NewDeadline string `json:"new_deadline"`
}

// GradePush is the payload for a single outbound mark transfer.
type GradePush struct {
	MapCode string  `json:"mapcode"`
	MabSeq  int     `json:"mabseq"`
	SprCode string  `json:"spr_code"`
	Mark    float64 `json:"actual_mark"`
	Grade   string  `json:"actual_grade"`
}

// Client talks to the SITS integration API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a SITS API client from configuration.
func NewClient(cfg config.SITSConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// GetStudents fetches all students registered on a component grade.
func (c *Client) GetStudents(ctx context.Context, mapCode string, mabSeq int) ([]Student, error) {
	endpoint := fmt.Sprintf("%s/assessment-components/%s-%d/students", c.baseURL, url.PathEscape(mapCode), mabSeq)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build get-students request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get students for %s-%d: %w", mapCode, mabSeq, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("get students for %s-%d: status %d: %s", mapCode, mabSeq, resp.StatusCode, body)
	}

	var payload struct {
		Students []Student `json:"students"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode get-students response: %w", err)
	}

	return payload.Students, nil
}

// GetDeadlineExtension fetches the current state of an extenuating
// circumstances case. Queue messages may omit the new deadline; this
// endpoint is the authoritative fallback.
func (c *Client) GetDeadlineExtension(ctx context.Context, identifier string) (*DeadlineExtension, error) {
	endpoint := fmt.Sprintf("%s/extenuating-circumstances/%s", c.baseURL, url.PathEscape(identifier))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build deadline-extension request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get deadline extension %s: %w", identifier, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("get deadline extension %s: status %d: %s", identifier, resp.StatusCode, body)
	}

	var extension DeadlineExtension
	if err := json.NewDecoder(resp.Body).Decode(&extension); err != nil {
		return nil, fmt.Errorf("decode deadline-extension response: %w", err)
	}

	return &extension, nil
}

// PushGrade transfers one mark to SITS.
func (c *Client) PushGrade(ctx context.Context, push GradePush) error {
	body, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("marshal grade push: %w", err)
	}

	endpoint := fmt.Sprintf("%s/grade-transfers", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build grade-push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("push grade %s-%d/%s: %w", push.MapCode, push.MabSeq, push.SprCode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("push grade %s-%d/%s: status %d: %s", push.MapCode, push.MabSeq, push.SprCode, resp.StatusCode, msg)
	}

	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
