package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/handlers"
	"github.com/example/face-attendance/internal/imageprocessor"
	"github.com/example/face-attendance/internal/usecase"
)

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(url, WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	require.NoError(t, err)
	return c
}

func TestNewRejectsInvalidURL(t *testing.T) {
	_, err := New("localhost:5000")
	assert.Error(t, err)

	_, err = New("http://localhost:5000/")
	assert.NoError(t, err)
}

func TestRegisterSendsJSONAndRequestID(t *testing.T) {
	var got map[string]string
	var requestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/register-face", r.URL.Path)
		requestID = r.Header.Get("X-Request-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"message":"Face registered successfully","user_id":7,"registered_at":"2025-03-14T09:30:00Z"}`))
	}))
	defer srv.Close()

	reg, err := newClient(t, srv.URL).Register(context.Background(), "7", "cGhvdG8=")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user_id": "7", "photo": "cGhvdG8="}, got)
	assert.NotEmpty(t, requestID)
	assert.Equal(t, "7", reg.UserID)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC), reg.RegisteredAt)
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"message":"No face detected in image"}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Register(context.Background(), "7", "cGhvdG8=")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "No face detected in image", apiErr.Message)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}

func TestRecognizeNotRecognized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"message":"Face not recognized","user_id":"unknown","confidence":0}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Recognize(context.Background(), "cGhvdG8=")
	assert.ErrorIs(t, err, ErrNotRecognized)
}

func TestUpdateProceedsWhenDeleteFails(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"message":"No face data found for user"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"user_id":"emp-1"}`))
	}))
	defer srv.Close()

	reg, err := newClient(t, srv.URL).Update(context.Background(), "emp-1", "cGhvdG8=")
	require.NoError(t, err)
	assert.Equal(t, "emp-1", reg.UserID)
	assert.Equal(t, []string{"DELETE /face/emp-1", "POST /register-face"}, calls)
}

func TestHealthOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Health(context.Background())
	assert.Error(t, err)
	assert.Zero(t, StatusCode(err))
}

func TestBatchCountsOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["user_id"] == "2" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"message":"Invalid image format"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"user_id":` + body["user_id"] + `}`))
	}))
	defer srv.Close()

	var seen []string
	res, err := newClient(t, srv.URL).Batch(context.Background(), []Face{
		{UserID: "1", Photo: "a"},
		{UserID: "2", Photo: "b"},
		{UserID: "3", Photo: "c"},
	}, func(item BatchItem) { seen = append(seen, item.UserID) })
	require.NoError(t, err)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Error(t, res.Items[1].Err)
	assert.Equal(t, []string{"1", "2", "3"}, seen)
}

func TestBatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := New("http://127.0.0.1:1")
	require.NoError(t, err)
	res, err := c.Batch(ctx, []Face{{UserID: "1", Photo: "a"}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Items)
}

type sequenceEncoder struct {
	mu    sync.Mutex
	queue []gallery.Embedding
}

func (s *sequenceEncoder) Encode(ctx context.Context, jpeg []byte) (gallery.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, imageprocessor.ErrNoFace
	}
	emb := s.queue[0]
	s.queue = s.queue[1:]
	return emb, nil
}

func TestClientAgainstServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g, err := gallery.Open(t.TempDir(), 0.6, zap.NewNop())
	require.NoError(t, err)

	near := make(gallery.Embedding, 128)
	near[0] = 0.2
	enc := &sequenceEncoder{queue: []gallery.Embedding{make(gallery.Embedding, 128), near}}
	uc := usecase.NewFaceUseCase(g, imageprocessor.Decoder{}, enc, zap.NewNop())
	router := gin.New()
	handlers.RegisterRoutes(router, uc, zap.NewNop(), 0)
	srv := httptest.NewServer(router)
	defer srv.Close()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))
	photo := EncodePhoto(buf.Bytes())

	c := newClient(t, srv.URL)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, health.RegisteredFaces)

	_, err = c.Register(ctx, "42", photo)
	require.NoError(t, err)

	rec, err := c.Recognize(ctx, photo)
	require.NoError(t, err)
	assert.Equal(t, "42", rec.UserID)
	assert.InDelta(t, 0.8, rec.Confidence, 1e-9)

	st, err := c.Status(ctx, "42")
	require.NoError(t, err)
	assert.True(t, st.Registered)
	require.NotNil(t, st.LastUpdated)

	require.NoError(t, c.Delete(ctx, "42"))
	err = c.Delete(ctx, "42")
	assert.Equal(t, http.StatusNotFound, StatusCode(err))

	_, err = c.Recognize(ctx, photo)
	assert.True(t, errors.Is(err, ErrNotRecognized))
}
