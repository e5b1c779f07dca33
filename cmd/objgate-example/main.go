package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/eteran/objgate/pkg/client"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	ObjectName      = "example.txt"
	ObjectContent   = "Hello from the objgate example!\n"
	ReportName      = "quarterly report.pdf"
	ReportType      = "application/pdf"
	ReportContent   = "%PDF-1.4\n% not a real report, but close enough for a demo\n"
	ForeignName     = "résumé.txt"
	ForeignContent  = "Non-ASCII file names survive the round trip.\n"
	DownloadDirName = "downloads"
)

// UploadFile uploads content and returns the key the gateway generated for it.
func UploadFile(ctx context.Context, c *client.Client, fileName string, contentType string, content string) (string, error) {
	key, err := c.Upload(ctx, fileName, contentType, strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to upload %q: %w", fileName, err)
	}

	slog.Info("Uploaded object", "file_name", fileName, "key", key)
	return key, nil
}

func ListObjects(ctx context.Context, c *client.Client) error {
	objects, err := c.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}

	slog.Info("Objects in bucket", "count", len(objects))
	for _, o := range objects {
		slog.Info("Object in bucket", "key", o.Key, "size", o.Size, "last_modified", o.LastModified)
	}
	return nil
}

// DownloadFile saves the object under dir, using the file name it was
// uploaded with.
func DownloadFile(ctx context.Context, c *client.Client, key string, dir string) (string, error) {
	d, err := c.Download(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to download %q: %w", key, err)
	}
	defer d.Body.Close()

	path := filepath.Join(dir, filepath.Base(d.FileName))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %q: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, d.Body); err != nil {
		return "", fmt.Errorf("failed to write %q: %w", path, err)
	}

	slog.Info("Downloaded object", "key", key, "path", path, "content_type", d.ContentType)
	return path, nil
}

// FetchPresigned retrieves the object directly from the store through a
// presigned URL, bypassing the gateway.
func FetchPresigned(ctx context.Context, c *client.Client, key string) (string, error) {
	presigned, err := c.Presign(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to presign %q: %w", key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, presigned.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch presigned URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("presigned URL returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read presigned response: %w", err)
	}

	slog.Info("Fetched object through presigned URL", "key", key, "bytes", len(data))
	return string(data), nil
}

func Run(ctx context.Context, c *client.Client, downloadDir string) error {
	// 1. Upload a few files.
	key, err := UploadFile(ctx, c, ObjectName, "text/plain", ObjectContent)
	if err != nil {
		return err
	}

	reportKey, err := UploadFile(ctx, c, ReportName, ReportType, ReportContent)
	if err != nil {
		return err
	}

	foreignKey, err := UploadFile(ctx, c, ForeignName, "text/plain; charset=utf-8", ForeignContent)
	if err != nil {
		return err
	}

	// 2. List the contents of the bucket.
	if err := ListObjects(ctx, c); err != nil {
		return err
	}

	// 3. Download the files.
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	for _, k := range []string{key, reportKey, foreignKey} {
		if _, err := DownloadFile(ctx, c, k, downloadDir); err != nil {
			return err
		}
	}

	// 4. Read one back through a presigned URL.
	if _, err := FetchPresigned(ctx, c, key); err != nil {
		return err
	}

	// 5. Clean up.
	for _, k := range []string{key, reportKey, foreignKey} {
		message, err := c.Delete(ctx, k)
		if err != nil {
			return fmt.Errorf("failed to delete %q: %w", k, err)
		}
		slog.Info(message)
	}

	return ListObjects(ctx, c)
}

func main() {
	baseURL := getenv("OBJGATE_URL", "http://localhost:8080")
	downloadDir := getenv("OBJGATE_DOWNLOAD_DIR", filepath.Join(".", DownloadDirName))

	c, err := client.New(baseURL)
	if err != nil {
		slog.Error("failed to create objgate client", "err", err)
		os.Exit(1)
	}

	if err := Run(context.Background(), c, downloadDir); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
