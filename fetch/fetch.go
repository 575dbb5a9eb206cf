// Package fetch downloads prebuilt toolchain archives.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
)

// Fetcher downloads files named by a URL template containing {version} and
// {filename}.
type Fetcher struct {
	Client      *http.Client
	URLTemplate string

	// Progress receives a carriage-return progress line while
	// downloading; nil disables it.
	Progress io.Writer

	Logger *slog.Logger
}

// TerminalProgress returns file when it is a terminal and nil otherwise, for
// use as Fetcher.Progress.
func TerminalProgress(file *os.File) io.Writer {
	if file != nil && term.IsTerminal(int(file.Fd())) {
		return file
	}
	return nil
}

// URL expands the template for one file.
func (f *Fetcher) URL(version, filename string) string {
	return strings.NewReplacer("{version}", version, "{filename}", filename).Replace(f.URLTemplate)
}

// Fetch downloads filename into destDir and returns the local path. The
// file only appears under its final name once it is complete.
func (f *Fetcher) Fetch(ctx context.Context, version, filename, destDir string) (string, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := f.URL(version, filename)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	response, err := client.Do(request)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", url, response.Status)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	path := filepath.Join(destDir, filename)
	tmp, err := os.CreateTemp(destDir, "."+filename+".part-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var body io.Reader = response.Body
	var meter *progress
	if f.Progress != nil {
		meter = &progress{out: f.Progress, url: url, total: response.ContentLength}
		body = io.TeeReader(response.Body, meter)
	}

	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("fsync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename %s: %w", path, err)
	}
	if meter != nil {
		meter.done()
	}

	logger.Info("fetched archive", "url", url, "path", path, "bytes", written)
	return path, nil
}

type progress struct {
	out     io.Writer
	url     string
	total   int64
	current int64
	percent int64
}

func (p *progress) Write(b []byte) (int, error) {
	p.current += int64(len(b))
	if p.total <= 0 {
		return len(b), nil
	}
	percent := 100 * p.current / p.total
	if percent != p.percent || p.current == int64(len(b)) {
		p.percent = percent
		fmt.Fprintf(p.out, "\r  %s [%.2f MiB] %d%% ", p.url, float64(p.total)/1024/1024, percent)
	}
	return len(b), nil
}

func (p *progress) done() {
	fmt.Fprintf(p.out, "\r\x1b[J  %s - done\n", p.url)
}
