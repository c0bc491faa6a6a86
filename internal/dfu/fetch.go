package dfu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// FirmwareFileName is the scratch file every download overwrites.
const FirmwareFileName = "dfu.zip"

// DefaultCacheDir returns <user cache dir>/bledfu.
func DefaultCacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bledfu"), nil
}

// HTTPFetcher downloads http(s) firmware packages into CacheDir. Local
// paths and file:// URLs are used in place.
type HTTPFetcher struct {
	CacheDir string
	Client   *http.Client
	Logger   *logrus.Logger
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", errors.New("firmware source is empty")
	}

	u, err := url.Parse(source)
	if err != nil {
		return "", fmt.Errorf("invalid firmware url %q: %w", source, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.download(ctx, u)
	case "file":
		return statFirmware(u.Path)
	case "":
		return statFirmware(source)
	default:
		// Windows drive letters parse as a scheme
		if len(u.Scheme) == 1 {
			return statFirmware(source)
		}
		return "", fmt.Errorf("unsupported firmware url scheme %q", u.Scheme)
	}
}

func statFirmware(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("firmware package: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("firmware package %s is a directory", path)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("firmware package %s is empty", path)
	}
	return path, nil
}

func (f *HTTPFetcher) download(ctx context.Context, u *url.URL) (string, error) {
	dir := f.CacheDir
	if dir == "" {
		d, err := DefaultCacheDir()
		if err != nil {
			return "", fmt.Errorf("cache dir: %w", err)
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := f.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("GET %s: %s", u.Redacted(), resp.Status)
	}

	target := filepath.Join(dir, FirmwareFileName)
	tmp := target + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errors.New("empty firmware package")
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	logger.WithFields(logrus.Fields{
		"url":   u.Redacted(),
		"bytes": n,
		"path":  target,
	}).Info("Firmware package downloaded")
	return target, nil
}
