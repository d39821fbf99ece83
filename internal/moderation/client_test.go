package moderation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicphoto/internal/models"
)

func TestHTTPClassifier(t *testing.T) {
	payload := []byte("processed-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/classify", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "corr-1", r.Header.Get("X-Request-Id"))

		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		assert.Equal(t, payload, raw)
		assert.Equal(t, "image/webp", req.MIMEType)
		assert.Equal(t, "gallery", req.Context.Intent)

		_ = json.NewEncoder(w).Encode(classifyResponse{Labels: []Label{{Name: "suggestive", Score: 0.7}}})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL+"/", "secret", srv.Client())
	labels, err := c.Classify(context.Background(), payload, "image/webp", Context{
		OwnerID: "u1", Intent: models.IntentGallery, CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, "suggestive", labels[0].Name)
}

func TestHTTPClassifierErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClassifier(srv.URL, "", srv.Client()).Classify(context.Background(), []byte("x"), "image/webp", Context{})
	var serr *ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusServiceUnavailable, serr.StatusCode)

	_, err = NewHTTPClassifier("", "", nil).Classify(context.Background(), []byte("x"), "image/webp", Context{})
	assert.ErrorAs(t, err, &serr)
}

func TestHTTPClassifierMissingLabels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"degraded","results":null}`))
	}))
	defer srv.Close()

	labels, err := NewHTTPClassifier(srv.URL, "", srv.Client()).Classify(context.Background(), []byte("x"), "image/webp", Context{})
	assert.Nil(t, labels)
	var serr *ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusOK, serr.StatusCode)
}

func TestDegradedServiceNeverApproves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"degraded","results":null}`))
	}))
	defer srv.Close()

	classifier := NewHTTPClassifier(srv.URL, "", srv.Client())

	_, err := NewModerator(classifier, StrictPolicy{}, testThresholds, time.Second, zerolog.Nop()).
		Moderate(context.Background(), testImage, Context{})
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)

	verdict, err := NewModerator(classifier, PermissivePolicy{}, testThresholds, time.Second, zerolog.Nop()).
		Moderate(context.Background(), testImage, Context{})
	require.NoError(t, err)
	assert.Equal(t, Warn, verdict.Decision)
	assert.Equal(t, CategoryUnverified, verdict.Category)
	assert.True(t, verdict.Degraded)
}
