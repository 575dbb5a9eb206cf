package elfmeta

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var (
	neededLine = regexp.MustCompile(`^ 0x[0-9a-f]+ \(NEEDED\)\s+Shared library: \[(.+)\]$`)
	sonameLine = regexp.MustCompile(`^ 0x[0-9a-f]+ \(SONAME\)\s+Library soname: \[(.+)\]$`)
)

// Readelf reads dynamic sections by running `readelf -d`. The tool runs
// with LC_ALL=C so the line patterns never see translated output.
type Readelf struct {
	// Tool is the readelf executable; "readelf" when empty.
	Tool   string
	Policy Policy
}

// NewReadelf returns a Readelf reader for tool.
func NewReadelf(tool string, policy Policy) *Readelf {
	return &Readelf{Tool: tool, Policy: policy}
}

// Read implements Reader.
func (r *Readelf) Read(ctx context.Context, path string) (Info, error) {
	tool := r.Tool
	if tool == "" {
		tool = "readelf"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, "-d", path)
	cmd.Env = overrideEnv(os.Environ(), map[string]string{"LC_ALL": "C"})
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Info{}, fmt.Errorf("%w: %s -d %s: %v: %s", ErrMalformedArtifact, tool, path, err, strings.TrimSpace(stderr.String()))
	}

	sonames, needed, err := parseDynamic(&stdout)
	if err != nil {
		return Info{}, fmt.Errorf("parse %s -d %s: %w", tool, path, err)
	}
	return resolve(path, r.Policy, sonames, needed)
}

// parseDynamic collects SONAME and NEEDED values from readelf -d output.
func parseDynamic(r io.Reader) (sonames []string, needed []string, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := neededLine.FindStringSubmatch(line); m != nil {
			needed = append(needed, m[1])
			continue
		}
		if m := sonameLine.FindStringSubmatch(line); m != nil {
			sonames = append(sonames, m[1])
		}
	}
	return sonames, needed, scanner.Err()
}

func overrideEnv(base []string, overrides map[string]string) []string {
	block := make(map[string]struct{}, len(overrides))
	for key := range overrides {
		block[key] = struct{}{}
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		if _, drop := block[kv[:eq]]; drop {
			continue
		}
		out = append(out, kv)
	}

	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}
