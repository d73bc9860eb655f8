package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psen-processing/psen/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Error is a reply whose envelope state was not "ok".
type Error struct {
	// Code is the HTTP status code of the reply.
	Code int
	// Message is the server's status message.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("psen: %s (http %d)", e.Message, e.Code)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPrefix sets the API prefix configured on the server.
func WithPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = strings.TrimRight(prefix, "/") }
}

// WithAPIKey sends key in header on every request.
func WithAPIKey(header, key string) Option {
	return func(c *Client) { c.keyHeader, c.key = header, key }
}

// Client talks to one processing service.
type Client struct {
	address   string
	prefix    string
	http      *http.Client
	keyHeader string
	key       string
}

// New returns a Client for the service at address, e.g. http://localhost:11000.
func New(address string, opts ...Option) *Client {
	c := &Client{
		address: strings.TrimRight(address, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Address returns the service address.
func (c *Client) Address() string { return c.address }

// Start starts processing and returns the server's status message.
func (c *Client) Start(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/start", nil)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Stop stops processing and returns the server's status message.
func (c *Client) Stop(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/stop", nil)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Status returns types.StatusProcessing or types.StatusStopped.
func (c *Client) Status(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Statistics returns the session statistics.
func (c *Client) Statistics(ctx context.Context) (types.Statistics, error) {
	resp, err := c.do(ctx, http.MethodGet, "/statistics", nil)
	if err != nil {
		return types.Statistics{}, err
	}
	if resp.Statistics == nil {
		return types.Statistics{}, nil
	}
	return *resp.Statistics, nil
}

// ROISignal returns the signal ROI as [offset_x, size_x, offset_y, size_y] or [].
func (c *Client) ROISignal(ctx context.Context) ([]int, error) {
	return c.getROI(ctx, "/roi_signal", func(r *types.Response) *[]int { return r.ROISignal })
}

// SetROISignal sets the signal ROI. nil or an empty slice disables it.
// It returns the ROI now in effect.
func (c *Client) SetROISignal(ctx context.Context, r []int) ([]int, error) {
	return c.setROI(ctx, "/roi_signal", r, func(r *types.Response) *[]int { return r.ROISignal })
}

// ROIBackground returns the background ROI.
func (c *Client) ROIBackground(ctx context.Context) ([]int, error) {
	return c.getROI(ctx, "/roi_background", func(r *types.Response) *[]int { return r.ROIBackground })
}

// SetROIBackground sets the background ROI. nil or an empty slice disables it.
func (c *Client) SetROIBackground(ctx context.Context, r []int) ([]int, error) {
	return c.setROI(ctx, "/roi_background", r, func(r *types.Response) *[]int { return r.ROIBackground })
}

// --- internal ---------------------------------------------------------------

func (c *Client) getROI(ctx context.Context, path string, field func(*types.Response) *[]int) ([]int, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return roiOf(field(resp)), nil
}

func (c *Client) setROI(ctx context.Context, path string, r []int, field func(*types.Response) *[]int) ([]int, error) {
	if r == nil {
		r = []int{}
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("psen: encode roi: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return roiOf(field(resp)), nil
}

func roiOf(p *[]int) []int {
	if p == nil || *p == nil {
		return []int{}
	}
	return *p
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*types.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.address+c.prefix+path, rd)
	if err != nil {
		return nil, fmt.Errorf("psen: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set(c.keyHeader, c.key)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("psen: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	var resp types.Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("psen: %s %s: decode reply (http %d): %w", method, path, res.StatusCode, err)
	}
	if resp.State != types.StateOK {
		msg := resp.Status
		if msg == "" {
			msg = "unknown error occurred"
		}
		return nil, &Error{Code: res.StatusCode, Message: msg}
	}
	return &resp, nil
}
