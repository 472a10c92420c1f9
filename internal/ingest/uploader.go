// Package ingest uploads video chunks to the external ingestion API.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// uploadTimeout caps a single chunk upload. Generous because chunk files can
// be large and the ingestion API processes them synchronously.
const uploadTimeout = 50 * time.Minute

// UploadError describes a failed chunk upload: a transport failure, a
// non-success status, or a success response missing the identifier field.
type UploadError struct {
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *UploadError) Error() string {
	base := filepath.Base(e.Path)
	if e.Err != nil {
		return fmt.Sprintf("upload %s: %v", base, e.Err)
	}
	return fmt.Sprintf("upload %s: status %d: %s", base, e.Status, e.Body)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// ChunkResult is the outcome of one chunk upload. Exactly one of ID and Err
// is meaningful.
type ChunkResult struct {
	Path string
	ID   string
	Err  error
}

// Client uploads chunk files to the ingestion endpoint. Construct once and
// inject; safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

// NewClient returns a Client for the given ingestion base URL.
func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: uploadTimeout},
		log:     log,
	}
}

// UploadChunk streams one chunk file as a multipart POST to {base}/files with
// purpose=vision and media_type=video, and returns the identifier assigned by
// the ingestion API.
func (c *Client) UploadChunk(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &UploadError{Path: path, Err: err}
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	// Stream the multipart body instead of buffering the whole chunk.
	go func() {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
		hdr.Set("Content-Type", "video/mp4")

		part, err := mw.CreatePart(hdr)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.WriteField("purpose", "vision")
		}
		if err == nil {
			err = mw.WriteField("media_type", "video")
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", pr)
	if err != nil {
		return "", &UploadError{Path: path, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &UploadError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &UploadError{Path: path, Status: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &UploadError{Path: path, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ID == "" {
		return "", &UploadError{Path: path, Status: resp.StatusCode, Body: "response missing id field"}
	}

	c.log.Info("chunk uploaded",
		slog.String("chunk", filepath.Base(path)),
		slog.String("id", out.ID))
	return out.ID, nil
}

// UploadAll uploads every path concurrently and returns one result per input,
// in input order regardless of completion order. A failing upload never
// cancels its siblings; cancelling ctx (e.g. shutdown) aborts all of them.
func (c *Client) UploadAll(ctx context.Context, paths []string) []ChunkResult {
	results := make([]ChunkResult, len(paths))

	var g errgroup.Group
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			id, err := c.UploadChunk(ctx, path)
			results[i] = ChunkResult{Path: path, ID: id, Err: err}
			if err != nil {
				c.log.Warn("chunk upload failed",
					slog.String("chunk", filepath.Base(path)),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
