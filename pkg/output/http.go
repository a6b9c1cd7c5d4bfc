package output

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPOutput sends each batch as one newline-delimited POST body.
type HTTPOutput struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewHTTPOutput(url string, headers map[string]string) *HTTPOutput {
	return &HTTPOutput{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
	}
}

func (h *HTTPOutput) WriteBatch(entries [][]byte) error {
	var body bytes.Buffer
	for _, e := range entries {
		body.Write(bytes.TrimRight(e, "\n"))
		body.WriteByte('\n')
	}

	req, err := http.NewRequest(http.MethodPost, h.url, &body)
	if err != nil {
		return fmt.Errorf("http output: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http output: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http output failed with status: %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPOutput) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
