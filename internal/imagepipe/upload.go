package imagepipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/muandane/special-stack/pagekit/internal/envelope"
)

// Uploader sends one encoded image and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType, savePath string) (string, error)
}

// HTTPUploader posts the raw image bytes to an upload endpoint. The body is
// the binary itself (no multipart, no JSON) and the logical save location
// travels in the "path" query parameter.
type HTTPUploader struct {
	Endpoint string
	Client   *http.Client
}

type uploadResult struct {
	URL string `json:"url"`
}

func (u *HTTPUploader) Upload(ctx context.Context, data []byte, contentType, savePath string) (string, error) {
	target, err := url.Parse(u.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse upload endpoint: %w", err)
	}
	q := target.Query()
	q.Set("path", savePath)
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}

	env, err := envelope.Decode[uploadResult](body)
	if err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", &UploadError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return "", err
	}
	if !env.OK() || resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := env.Code
		if code == 0 {
			code = resp.StatusCode
		}
		return "", &UploadError{Code: code, Message: env.Text()}
	}
	if strings.TrimSpace(env.Data.URL) == "" {
		return "", &UploadError{Code: env.Code, Message: "response carried no url"}
	}
	return env.Data.URL, nil
}

var _ Uploader = (*HTTPUploader)(nil)
