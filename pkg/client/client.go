// Package client is a Go client for the objgate /images HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// UploadFormField is the multipart field the gateway reads uploads from.
const UploadFormField = "file"

type PresignedURL struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type ObjectSummary struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
}

// Download is a streamed object. The caller must close Body.
type Download struct {
	Body         io.ReadCloser
	ContentType  string
	FileName     string
	Size         int64
	LastModified time.Time
}

// APIError is returned for any non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Kind       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("objgate: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("objgate: HTTP %d %s: %s", e.StatusCode, e.Kind, e.Message)
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the gateway listening at baseURL, for example
// "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{baseURL: u, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments)+1)
	escaped = append(escaped, "images")
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method string, target string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// Bodies that are not JSON still produce an APIError carrying the status.
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method string, target string, body io.Reader, contentType string, out any) error {
	resp, err := c.do(ctx, method, target, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, target, err)
	}
	return nil
}

// Presign asks the gateway for a time-limited GET URL for key.
func (c *Client) Presign(ctx context.Context, key string) (*PresignedURL, error) {
	var out PresignedURL
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint(key, "presigned"), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload streams body as a multipart upload and returns the generated key.
func (c *Client) Upload(ctx context.Context, fileName string, contentType string, body io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     UploadFormField,
			"filename": fileName,
		}))
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}

		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var key string
	err := c.doJSON(ctx, http.MethodPost, c.endpoint(), pr, mw.FormDataContentType(), &key)
	// Unblock the writer if the request ended before the body was consumed.
	_ = pr.CloseWithError(errors.New("client: upload request finished"))
	if err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes key and returns the gateway's confirmation message.
func (c *Client) Delete(ctx context.Context, key string) (string, error) {
	var message string
	if err := c.doJSON(ctx, http.MethodDelete, c.endpoint(key), nil, "", &message); err != nil {
		return "", err
	}
	return message, nil
}

func (c *Client) List(ctx context.Context) ([]ObjectSummary, error) {
	var out []ObjectSummary
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("all"), nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Download opens a stream of the object stored under key.
func (c *Client) Download(ctx context.Context, key string) (*Download, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("download", key), nil, "")
	if err != nil {
		return nil, err
	}

	d := &Download{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        -1,
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		d.FileName = params["filename"]
	}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		d.Size = n
	}
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		d.LastModified = t
	}
	return d, nil
}
