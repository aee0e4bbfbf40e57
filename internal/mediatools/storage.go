package mediatools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/rs/zerolog/log"
)

type fileIDResponse struct {
	FileID string `json:"file_id"`
}

type statusResponse struct {
	Status models.AssetStatus `json:"status"`
}

// Upload stores data in the remote media store and returns its asset id.
func (c *Client) Upload(ctx context.Context, data []byte, kind models.MediaKind, filename string) (string, error) {
	if filename == "" {
		filename = defaultFilename(kind)
	}
	body, contentType, err := multipartBody(data, kind, filename)
	if err != nil {
		return "", &UploadError{Message: err.Error(), Err: err}
	}

	log.Debug().Str("kind", string(kind)).Str("file", filename).Int("bytes", len(data)).Msg("[MediaTools] uploading")

	resp, err := c.do(ctx, "upload", retryIdempotent, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/storage"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return "", &UploadError{Message: err.Error(), Err: err}
	}
	if !resp.ok() {
		return "", &UploadError{Status: resp.status, Message: errorMessage(resp.body)}
	}

	var out fileIDResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", &UploadError{Status: resp.status, Message: "invalid upload response", Err: err}
	}
	if out.FileID == "" {
		return "", &UploadError{Status: resp.status, Message: "upload response has no file_id"}
	}

	log.Info().Str("kind", string(kind)).Str("asset_id", out.FileID).Int("bytes", len(data)).Msg("[MediaTools] uploaded")
	return out.FileID, nil
}

// Status asks the store for the current state of an asset. A 404 is reported
// as not_found rather than an error.
func (c *Client) Status(ctx context.Context, assetID string) (models.AssetStatus, error) {
	resp, err := c.do(ctx, "status", retryIdempotent, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.url("/storage/"+url.PathEscape(assetID)+"/status"), nil)
	})
	if err != nil {
		return "", fmt.Errorf("status of %s: %w", assetID, err)
	}
	if resp.status == http.StatusNotFound {
		return models.AssetStatusNotFound, nil
	}
	if !resp.ok() {
		return "", fmt.Errorf("status of %s returned %d: %s", assetID, resp.status, errorMessage(resp.body))
	}

	var out statusResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("failed to parse status of %s: %w", assetID, err)
	}
	return out.Status, nil
}

// PollUntilReady polls the asset status until it is ready. It waits opts.Interval
// between attempts, never after the last one. A failed or not_found status ends
// polling at once with a *ProcessingError; running out of attempts while the
// asset is still in progress yields a *PollTimeoutError.
func (c *Client) PollUntilReady(ctx context.Context, assetID string, opts PollOptions) (models.AssetStatus, error) {
	opts = opts.withDefaults(c.poll)

	var last models.AssetStatus
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		status, err := c.Status(ctx, assetID)
		if err != nil {
			return last, err
		}
		last = status

		switch status {
		case models.AssetStatusReady:
			log.Debug().Str("asset_id", assetID).Int("attempt", attempt).Msg("[MediaTools] asset ready")
			return status, nil
		case models.AssetStatusFailed, models.AssetStatusNotFound:
			return status, &ProcessingError{AssetID: assetID, Status: status}
		}

		if attempt == opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("polling %s cancelled: %w", assetID, ctx.Err())
		case <-c.after(opts.Interval):
		}
	}

	return last, &PollTimeoutError{AssetID: assetID, Attempts: opts.MaxAttempts, LastStatus: last}
}

// Download returns the bytes of a stored asset.
func (c *Client) Download(ctx context.Context, assetID string) ([]byte, error) {
	resp, err := c.do(ctx, "download", retryIdempotent, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.url("/storage/"+url.PathEscape(assetID)), nil)
	})
	if err != nil {
		return nil, &DownloadError{Source: assetID, Message: err.Error(), Err: err}
	}
	if !resp.ok() {
		return nil, &DownloadError{Source: assetID, Status: resp.status, Message: errorMessage(resp.body)}
	}
	return resp.body, nil
}

// Fetch downloads an external resource, such as a style's music or overlay
// source, so it can be re-uploaded into the store.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := c.do(ctx, "fetch", retryIdempotent, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
	if err != nil {
		return nil, "", &DownloadError{Source: rawURL, Message: err.Error(), Err: err}
	}
	if !resp.ok() {
		return nil, "", &DownloadError{Source: rawURL, Status: resp.status, Message: truncate(string(resp.body), 200)}
	}
	if len(resp.body) == 0 {
		return nil, "", &DownloadError{Source: rawURL, Status: resp.status, Message: "empty body"}
	}
	return resp.body, resp.header.Get("Content-Type"), nil
}

// FilenameFromURL returns the last path element of a URL, or fallback.
func FilenameFromURL(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return fallback
	}
	return name
}

func multipartBody(data []byte, kind models.MediaKind, filename string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", http.DetectContentType(data))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("media_type", string(kind)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func defaultFilename(kind models.MediaKind) string {
	switch kind {
	case models.MediaKindImage:
		return "image.png"
	case models.MediaKindAudio:
		return "audio.mp3"
	default:
		return "video.mp4"
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		for _, m := range []string{parsed.Error, parsed.Detail, parsed.Message} {
			if m != "" {
				return m
			}
		}
	}
	if len(body) == 0 {
		return "empty response"
	}
	return truncate(string(body), 500)
}
