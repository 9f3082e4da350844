package ssrf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrFileTooLarge is returned by Download when the response body exceeds
// maxBytes before it finishes streaming.
var ErrFileTooLarge = errors.New("ssrf: downloaded file exceeds the maximum accepted size")

// downloadChunkSize is the read buffer size used while streaming a response
// body. Small enough that the accumulated-size check below runs often
// enough to abort well before a large body is fully buffered in memory.
const downloadChunkSize = 32 * 1024

// Download fetches rawURL after checking it with Check, then streams the
// response body in bounded chunks, aborting mid-stream the moment the
// accumulated size exceeds maxBytes — the full body is never materialised
// in memory when the cap is exceeded (spec §4.10).
func (f *Filter) Download(ctx context.Context, client *http.Client, rawURL string, maxBytes int64) ([]byte, error) {
	if err := f.Check(ctx, rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ssrf: building download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ssrf: download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ssrf: download returned non-2xx status %d", resp.StatusCode)
	}

	var buf []byte
	chunk := make([]byte, downloadChunkSize)
	var total int64

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return nil, ErrFileTooLarge
			}
			buf = append(buf, chunk[:n]...)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("ssrf: reading download body: %w", readErr)
		}
	}

	return buf, nil
}
