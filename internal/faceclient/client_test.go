package faceclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendai/internal/capture"
)

func TestDetectSendsBase64Frame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		raw, err := base64.StdEncoding.DecodeString(in["image"])
		assert.NoError(t, err)

		if string(raw) == "empty-room" {
			_, _ = w.Write([]byte(`{"faces_detected":0}`))
			return
		}
		_, _ = w.Write([]byte(`{"faces_detected":1,"descriptor":[0.1,0.2],"box":{"x":1,"y":2,"width":3,"height":4},"landmarks":[{"x":5,"y":6}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	det, err := c.Detect(context.Background(), capture.Frame{Seq: 7, Data: []byte("face")})
	require.NoError(t, err)
	require.NotNil(t, det)
	assert.Equal(t, []float32{0.1, 0.2}, det.Descriptor)
	assert.Equal(t, capture.Box{X: 1, Y: 2, Width: 3, Height: 4}, det.Box)
	assert.Len(t, det.Landmarks, 1)

	det, err = c.Detect(context.Background(), capture.Frame{Data: []byte("empty-room")})
	require.NoError(t, err)
	assert.Nil(t, det)
}

func TestServiceErrorsAreReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	_, err := c.DetectImage(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")

	_, err = c.Load(context.Background())
	require.Error(t, err)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["image_url"] == "https://img/blank.jpg" {
			_, _ = w.Write([]byte(`{"embedding":[],"faces_detected":0}`))
			return
		}
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.25],"score":0.9,"faces_detected":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	vec, err := c.Embed(context.Background(), "https://img/alice.jpg")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)

	_, err = c.Embed(context.Background(), "https://img/blank.jpg")
	assert.ErrorIs(t, err, ErrNoFace)

	_, err = c.Embed(context.Background(), "")
	assert.Error(t, err)
}

func TestLoadReturnsDetectorWhenHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	det, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, det)
}

func TestSkipModeIsDeterministic(t *testing.T) {
	c := New("http://unused", true)

	det, err := c.DetectImage(context.Background(), []byte("frame"))
	require.NoError(t, err)
	require.NotNil(t, det)
	assert.Len(t, det.Descriptor, MockDim)

	none, err := c.DetectImage(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	vec, err := c.Embed(context.Background(), "https://img/alice.jpg")
	require.NoError(t, err)
	assert.Equal(t, det.Descriptor, vec)
	assert.NoError(t, c.Health(context.Background()))
}
