package status

import (
	"fmt"
	"net/http"
)

// ProbeContentLength determines a remote file's size with a ranged GET
// (`Range: bytes=0-0`) rather than a bare HEAD, since not every model-hosting
// server implements HEAD correctly. It reads the Content-Range response
// header's total length when present (206 Partial Content), falling back
// to Content-Length for servers that ignore the Range header and return
// the whole body (200).
func ProbeContentLength(client *http.Client, url string) (int64, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		var total int64
		if _, err := fmt.Sscanf(resp.Header.Get("Content-Range"), "bytes 0-0/%d", &total); err == nil {
			return total, nil
		}
		return resp.ContentLength, nil
	case http.StatusOK:
		return resp.ContentLength, nil
	default:
		return 0, fmt.Errorf("status: content-length probe got status %d", resp.StatusCode)
	}
}
