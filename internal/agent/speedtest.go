package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atlasfleet/atlas/internal/models"
)

// SpeedTester measures the endpoint's network throughput on demand.
type SpeedTester interface {
	Run(ctx context.Context) (*models.SpeedTestResult, error)
}

const (
	defaultDownloadURL = "https://speed.cloudflare.com/__down?bytes=10000000"
	defaultUploadURL   = "https://speed.cloudflare.com/__up"

	uploadPayloadBytes = 2 << 20
)

// HTTPSpeedTester measures throughput against an HTTP speed-test
// endpoint: one timed download, one timed upload, and the download's
// time-to-first-byte as the ping estimate.
type HTTPSpeedTester struct {
	downloadURL string
	uploadURL   string
	client      *http.Client
}

// NewHTTPSpeedTester builds a tester against the given endpoints;
// empty URLs fall back to the public defaults.
func NewHTTPSpeedTester(downloadURL, uploadURL string, verifyTLS bool) *HTTPSpeedTester {
	if downloadURL == "" {
		downloadURL = defaultDownloadURL
	}
	if uploadURL == "" {
		uploadURL = defaultUploadURL
	}
	transport := &http.Transport{}
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &HTTPSpeedTester{
		downloadURL: downloadURL,
		uploadURL:   uploadURL,
		client:      &http.Client{Transport: transport, Timeout: 90 * time.Second},
	}
}

// Run performs the measurement. It returns a partial result if the
// upload leg fails; the download leg failing fails the test.
func (t *HTTPSpeedTester) Run(ctx context.Context) (*models.SpeedTestResult, error) {
	result := &models.SpeedTestResult{
		Timestamp: time.Now().UTC(),
		Server:    t.downloadURL,
	}

	download, ping, err := t.timeDownload(ctx)
	if err != nil {
		return nil, fmt.Errorf("speedtest download: %w", err)
	}
	result.DownloadMbps = download
	result.PingMs = ping

	if upload, err := t.timeUpload(ctx); err == nil {
		result.UploadMbps = upload
	}

	return result, nil
}

func (t *HTTPSpeedTester) timeDownload(ctx context.Context) (mbps, pingMs float64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.downloadURL, nil)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	pingMs = float64(time.Since(start)) / float64(time.Millisecond)

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("download endpoint returned %s", resp.Status)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, 0, err
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 || n == 0 {
		return 0, 0, fmt.Errorf("download measured no data")
	}
	return float64(n*8) / elapsed / 1e6, pingMs, nil
}

func (t *HTTPSpeedTester) timeUpload(ctx context.Context) (float64, error) {
	payload := strings.NewReader(strings.Repeat("0", uploadPayloadBytes))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.uploadURL, payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("upload endpoint returned %s", resp.Status)
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("upload measured no data")
	}
	return float64(uploadPayloadBytes*8) / elapsed / 1e6, nil
}
