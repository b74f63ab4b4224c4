// Package client is a Go client for the face recognition server. It mirrors
// the calls the attendance backend makes: health, register, recognize,
// status, delete, update and batch registration.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every call unless WithHTTPClient supplies another client.
const DefaultTimeout = 30 * time.Second

// ErrNotRecognized is returned by Recognize when the server has no match.
var ErrNotRecognized = errors.New("face not recognized")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("face server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("face server returned %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of err when it is an *APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client talks to one face recognition server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger enables client side logging.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger.Named("face_client") }
}

// New returns a client for the server at baseURL, e.g. "http://localhost:5000".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EncodePhoto base64-encodes raw image bytes for Register and Recognize.
func EncodePhoto(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// userID decodes ids the server writes as JSON numbers or strings.
type userID string

func (u *userID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = userID(s)
		return nil
	}
	if string(data) == "null" {
		*u = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*u = userID(n.String())
	return nil
}

// Health is the server health document.
type Health struct {
	Status               string  `json:"status"`
	Service              string  `json:"service"`
	Version              string  `json:"version"`
	Timestamp            string  `json:"timestamp"`
	RegisteredFaces      int     `json:"registered_faces"`
	FaceDataDir          string  `json:"face_data_dir"`
	RecognitionTolerance float64 `json:"recognition_tolerance"`
}

// Registration is the result of Register and Update.
type Registration struct {
	UserID       string    `json:"user_id"`
	Message      string    `json:"message"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Recognition is a successful Recognize result.
type Recognition struct {
	UserID       string    `json:"user_id"`
	Confidence   float64   `json:"confidence"`
	Message      string    `json:"message"`
	RecognizedAt time.Time `json:"recognized_at"`
}

// FaceStatus is the registration state of one user.
type FaceStatus struct {
	UserID        string     `json:"user_id"`
	Registered    bool       `json:"registered"`
	LastUpdated   *time.Time `json:"last_updated"`
	EncodingCount int        `json:"encoding_count"`
}

type envelope struct {
	Success       bool    `json:"success"`
	Message       string  `json:"message"`
	UserID        userID  `json:"user_id"`
	Confidence    float64 `json:"confidence"`
	RegisteredAt  string  `json:"registered_at"`
	RecognizedAt  string  `json:"recognized_at"`
	Registered    bool    `json:"registered"`
	LastUpdated   *string `json:"last_updated"`
	EncodingCount int     `json:"encoding_count"`
}

// Health checks that the server is online.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	if h.Status != "online" {
		return &h, fmt.Errorf("face server status %q", h.Status)
	}
	return &h, nil
}

// Register stores the face in photo (base64, optionally a data URL) for userID.
func (c *Client) Register(ctx context.Context, id, photo string) (*Registration, error) {
	var env envelope
	body := map[string]string{"user_id": id, "photo": photo}
	if err := c.do(ctx, http.MethodPost, "/register-face", body, &env); err != nil {
		c.logger.Warn("face registration failed", zap.String("user_id", id), zap.Error(err))
		return nil, err
	}
	reg := &Registration{UserID: string(env.UserID), Message: env.Message}
	reg.RegisteredAt, _ = parseTime(env.RegisteredAt)
	c.logger.Info("face registered", zap.String("user_id", reg.UserID))
	return reg, nil
}

// Recognize identifies the face in photo. It returns ErrNotRecognized when no
// registered user is close enough.
func (c *Client) Recognize(ctx context.Context, photo string) (*Recognition, error) {
	var env envelope
	err := c.do(ctx, http.MethodPost, "/recognize", map[string]string{"photo": photo}, &env)
	if StatusCode(err) == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotRecognized, err.(*APIError).Message)
	}
	if err != nil {
		return nil, err
	}
	rec := &Recognition{UserID: string(env.UserID), Confidence: env.Confidence, Message: env.Message}
	rec.RecognizedAt, _ = parseTime(env.RecognizedAt)
	return rec, nil
}

// Status reports whether userID has a registered face.
func (c *Client) Status(ctx context.Context, id string) (*FaceStatus, error) {
	var env envelope
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, &env); err != nil {
		return nil, err
	}
	st := &FaceStatus{UserID: id, Registered: env.Registered, EncodingCount: env.EncodingCount}
	if env.LastUpdated != nil {
		if t, ok := parseTime(*env.LastUpdated); ok {
			st.LastUpdated = &t
		}
	}
	return st, nil
}

// Delete removes the face data of userID.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/face/"+url.PathEscape(id), nil, nil)
}

// Update replaces the face of userID. A failed delete is logged and the
// registration proceeds, since the user may have had no face yet.
func (c *Client) Update(ctx context.Context, id, photo string) (*Registration, error) {
	if err := c.Delete(ctx, id); err != nil {
		c.logger.Warn("could not delete existing face data, proceeding with registration", zap.String("user_id", id), zap.Error(err))
	}
	return c.Register(ctx, id, photo)
}

// Face is one batch registration input.
type Face struct {
	UserID string
	Photo  string
}

// BatchItem is the outcome of one batch registration.
type BatchItem struct {
	UserID string
	Err    error
}

// BatchResult summarizes a Batch call.
type BatchResult struct {
	Successful int
	Failed     int
	Items      []BatchItem
}

// Batch registers faces one after another. progress, when set, is called
// after each face. The batch stops early only when ctx is cancelled.
func (c *Client) Batch(ctx context.Context, faces []Face, progress func(BatchItem)) (*BatchResult, error) {
	res := &BatchResult{Items: make([]BatchItem, 0, len(faces))}
	for _, f := range faces {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, err := c.Register(ctx, f.UserID, f.Photo)
		item := BatchItem{UserID: f.UserID, Err: err}
		if err != nil {
			res.Failed++
		} else {
			res.Successful++
		}
		res.Items = append(res.Items, item)
		if progress != nil {
			progress(item)
		}
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("face server unavailable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env envelope
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Message = env.Message
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
