package container

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Hosted build states reported by the service.
const (
	RemoteStateQueued    = "queued"
	RemoteStateRunning   = "running"
	RemoteStateSucceeded = "succeeded"
	RemoteStateFailed    = "failed"
	RemoteStateCanceled  = "canceled"
)

// Hosted delegates the build to a hosted build service over its HTTP JSON
// API. Create, Start and Stop are no-ops; sources are uploaded as a gzipped
// tarball and the build itself is a submitted request polled to completion.
type Hosted struct {
	machine *models.Machine
	opts    *Options
	baseURL string
	http    *http.Client

	identity string
	target   models.Target
}

func newHosted(m *models.Machine, opts *Options) (*Hosted, error) {
	base := opts.HostedURL
	if m.Host != "" && strings.Contains(m.Host, "://") {
		base = m.Host
	}
	if base == "" {
		return nil, fmt.Errorf("machine %s: no hosted builder url configured", m.ID)
	}
	return &Hosted{
		machine: m,
		opts:    opts,
		baseURL: strings.TrimSuffix(base, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (h *Hosted) Create(ctx context.Context, target models.Target, identity string) error {
	h.identity = identity
	h.target = target
	return nil
}

func (h *Hosted) Start(ctx context.Context) error { return nil }

func (h *Hosted) Stop(ctx context.Context) error { return nil }

func (h *Hosted) Destroy(ctx context.Context) error { return nil }

// MountHostPath is ignored: hosted services publish their own artifacts.
func (h *Hosted) MountHostPath(hostPath, containerPath string) error { return nil }

func (h *Hosted) Execute(ctx context.Context, cmd string) (string, error) {
	return "", ErrNotSupported
}

func (h *Hosted) GetTree(ctx context.Context, remote, local string) error {
	return ErrNotSupported
}

// PutTree uploads the local directory to the service under the build identity.
func (h *Hosted) PutTree(ctx context.Context, local, remote string) error {
	if err := requireCreated(h.identity); err != nil {
		return err
	}

	body, err := tarDirectory(local)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", local, err)
	}

	u := fmt.Sprintf("%s/uploads/%s?path=%s", h.baseURL, url.PathEscape(h.identity), url.QueryEscape(remote))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := h.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// RemoteBuild submits the build and polls it until it reaches a terminal
// state. Failed and canceled builds return ErrRemoteBuildFailed and
// ErrRemoteBuildCanceled alongside the result.
func (h *Hosted) RemoteBuild(ctx context.Context, br RemoteBuildRequest) (*RemoteBuildResult, error) {
	payload, err := json.Marshal(br)
	if err != nil {
		return nil, fmt.Errorf("encoding build request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/builds", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	result, err := h.decode(req)
	if err != nil {
		return nil, fmt.Errorf("submitting build: %w", err)
	}
	h.opts.Logger.Info("remote build submitted", "machine", h.machine.ID, "build_id", result.ID, "identity", br.Identity)
	h.status(result)

	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()

	for {
		switch result.State {
		case RemoteStateSucceeded:
			return result, nil
		case RemoteStateFailed:
			return result, ErrRemoteBuildFailed
		case RemoteStateCanceled, "cancelled":
			return result, ErrRemoteBuildCanceled
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/builds/"+url.PathEscape(result.ID), nil)
		if err != nil {
			return nil, err
		}
		next, err := h.decode(req)
		if err != nil {
			// Polling tolerates transient failures; the next tick retries.
			h.opts.Logger.Warn("polling remote build failed", "build_id", result.ID, "error", err)
			continue
		}
		result = next
		// Each answered poll counts as build output so a long remote build
		// is not mistaken for a hung one.
		h.status(result)
	}
}

func (h *Hosted) status(result *RemoteBuildResult) {
	if h.opts.Output == nil {
		return
	}
	fmt.Fprintf(h.opts.Output, "remote build %s: %s\n", result.ID, result.State)
}

func (h *Hosted) decode(req *http.Request) (*RemoteBuildResult, error) {
	resp, err := h.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result RemoteBuildResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if result.ID == "" {
		return nil, fmt.Errorf("response carries no build id")
	}
	return &result, nil
}

func (h *Hosted) do(req *http.Request) (*http.Response, error) {
	if h.opts.HostedToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.opts.HostedToken)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, &TransientTransportError{Addr: h.baseURL, Err: err}
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func tarDirectory(dir string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
