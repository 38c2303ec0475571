package providers

import (
	"context"
	"io"
	"net/http"
	"os"
)

// fetchToFile streams an HTTP resource to dest, enforcing maxBytes and
// reporting the download error as one of "too_large"/"transient". Shared by
// every provider whose SDK exposes only a direct URL rather than a
// ReadCloser.
func fetchToFile(ctx context.Context, url, dest string, maxBytes int64) (DownloadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DownloadResult{Error: "transient"}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return DownloadResult{Error: "transient"}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return DownloadResult{Error: "transient"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return DownloadResult{Error: "transient"}, nil
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return DownloadResult{Error: "too_large"}, nil
	}

	f, err := os.Create(dest)
	if err != nil {
		return DownloadResult{Error: "transient"}, err
	}
	defer f.Close()

	limit := maxBytes
	if limit <= 0 {
		limit = 1 << 30 // 1GiB hard ceiling when a provider reports no cap
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		os.Remove(dest)
		return DownloadResult{Error: "transient"}, err
	}
	if n > limit {
		os.Remove(dest)
		return DownloadResult{Error: "too_large"}, nil
	}
	return DownloadResult{Path: dest}, nil
}
