package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
)

// Downloader is the reference collaborators.CrxDownloader: a plain HTTP GET
// streamed to a file under destDir, progress-reported as bytes arrive.
type Downloader struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	destDir    string
}

// NewDownloader creates a Downloader writing artifacts under destDir.
func NewDownloader(destDir string) *Downloader {
	return &Downloader{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		limiter:    rate.NewLimiter(rate.Limit(5), 2),
		destDir:    destDir,
	}
}

// StartDownload implements collaborators.CrxDownloader. The download runs on
// its own goroutine; onProgress/onComplete are invoked from that goroutine,
// never from the caller's.
func (d *Downloader) StartDownload(ctx context.Context, url string, onProgress collaborators.DownloadProgressFunc, onComplete collaborators.DownloadCompleteFunc) collaborators.CancelFunc {
	dlCtx, cancel := context.WithCancel(ctx)

	go d.run(dlCtx, url, onProgress, onComplete)

	return func() { cancel() }
}

func (d *Downloader) run(ctx context.Context, url string, onProgress collaborators.DownloadProgressFunc, onComplete collaborators.DownloadCompleteFunc) {
	start := time.Now()

	if err := d.limiter.Wait(ctx); err != nil {
		onComplete(false, collaborators.DownloadResult{Error: 1}, collaborators.DownloadMetrics{URL: url, DownloaderTag: "http", DownloadTimeMS: time.Since(start).Milliseconds()})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		onComplete(false, collaborators.DownloadResult{Error: 1}, collaborators.DownloadMetrics{URL: url, DownloaderTag: "http"})
		return
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		onComplete(false, collaborators.DownloadResult{Error: 1}, collaborators.DownloadMetrics{URL: url, DownloaderTag: "http", DownloadTimeMS: time.Since(start).Milliseconds()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		onComplete(false, collaborators.DownloadResult{Error: resp.StatusCode}, collaborators.DownloadMetrics{URL: url, DownloaderTag: "http", DownloadTimeMS: time.Since(start).Milliseconds()})
		return
	}

	total := resp.ContentLength
	if total <= 0 {
		total = -1
	}

	if err := os.MkdirAll(d.destDir, 0o755); err != nil {
		onComplete(false, collaborators.DownloadResult{Error: 1}, collaborators.DownloadMetrics{URL: url, DownloaderTag: "http"})
		return
	}
	destPath := filepath.Join(d.destDir, uuid.New().String())

	out, err := os.Create(destPath)
	if err != nil {
		onComplete(false, collaborators.DownloadResult{Error: 1}, collaborators.DownloadMetrics{URL: url, DownloaderTag: "http"})
		return
	}
	defer out.Close()

	written, err := copyWithProgress(out, resp.Body, total, onProgress)
	if err != nil {
		os.Remove(destPath)
		onComplete(false, collaborators.DownloadResult{Error: 1}, collaborators.DownloadMetrics{
			URL: url, DownloaderTag: "http", DownloadedBytes: written, TotalBytes: total,
			DownloadTimeMS: time.Since(start).Milliseconds(),
		})
		return
	}

	onComplete(true, collaborators.DownloadResult{Error: 0, ResponsePath: destPath}, collaborators.DownloadMetrics{
		URL: url, DownloaderTag: "http", DownloadedBytes: written, TotalBytes: total,
		DownloadTimeMS: time.Since(start).Milliseconds(),
	})
}

type progressWriter struct {
	written    int64
	total      int64
	onProgress collaborators.DownloadProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.onProgress != nil {
		w.onProgress(w.written, w.total)
	}
	return len(p), nil
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, onProgress collaborators.DownloadProgressFunc) (int64, error) {
	pw := &progressWriter{total: total, onProgress: onProgress}
	n, err := io.Copy(io.MultiWriter(dst, pw), src)
	if err != nil {
		log.Debug().Err(err).Msg("download copy failed")
		return n, fmt.Errorf("copy download body: %w", err)
	}
	return n, nil
}
