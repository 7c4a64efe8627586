package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
)

func waitForComplete(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete in time")
	}
}

func TestStartDownloadSuccess(t *testing.T) {
	payload := []byte("crx-artifact-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	destDir := t.TempDir()
	d := NewDownloader(destDir)

	done := make(chan struct{})
	var result collaborators.DownloadResult
	var metrics collaborators.DownloadMetrics

	d.StartDownload(context.Background(), server.URL, nil, func(isHandled bool, r collaborators.DownloadResult, m collaborators.DownloadMetrics) {
		result, metrics = r, m
		close(done)
	})
	waitForComplete(t, done)

	require.Equal(t, 0, result.Error)
	require.NotEmpty(t, result.ResponsePath)

	data, err := os.ReadFile(result.ResponsePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(len(payload)), metrics.DownloadedBytes)
}

func TestStartDownloadReportsProgress(t *testing.T) {
	payload := make([]byte, 64*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "65536")
		w.Write(payload)
	}))
	defer server.Close()

	d := NewDownloader(t.TempDir())

	var progressCalls int
	done := make(chan struct{})
	d.StartDownload(context.Background(), server.URL,
		func(downloaded, total int64) { progressCalls++ },
		func(isHandled bool, r collaborators.DownloadResult, m collaborators.DownloadMetrics) { close(done) },
	)
	waitForComplete(t, done)

	assert.Greater(t, progressCalls, 0)
}

func TestStartDownloadHandlesNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	d := NewDownloader(t.TempDir())

	done := make(chan struct{})
	var result collaborators.DownloadResult
	d.StartDownload(context.Background(), server.URL, nil, func(isHandled bool, r collaborators.DownloadResult, m collaborators.DownloadMetrics) {
		result = r
		close(done)
	})
	waitForComplete(t, done)

	assert.Equal(t, http.StatusNotFound, result.Error)
	assert.Empty(t, result.ResponsePath)
}

func TestStartDownloadCancellation(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	d := NewDownloader(t.TempDir())

	done := make(chan struct{})
	cancel := d.StartDownload(context.Background(), server.URL, nil, func(isHandled bool, r collaborators.DownloadResult, m collaborators.DownloadMetrics) {
		close(done)
	})
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled download never completed")
	}
}
