// Package attachment stages remote workflow files into a run's execution
// directory before the engine is launched.
package attachment

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
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/errgroup"

	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/run"
)

var (
	// ErrUnsupportedScheme is returned for URLs no fetcher handles
	ErrUnsupportedScheme = errors.New("unsupported attachment url scheme")

	// ErrUnsafeName is returned for file names that are absolute or leave the target directory
	ErrUnsafeName = errors.New("unsafe attachment file name")
)

const (
	defaultTimeout     = 5 * time.Minute
	defaultConcurrency = 4
)

// FetchError reports which attachment could not be staged
type FetchError struct {
	FileName string
	URL      string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s from %s: %v", e.FileName, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Stager downloads attachments over HTTP(S) and clones git+https / git+ssh sources
type Stager struct {
	client      *http.Client
	concurrency int
	logger      logger.Logger
}

// Option configures a Stager
type Option func(*Stager)

// WithHTTPClient sets the client used for http and https URLs
func WithHTTPClient(c *http.Client) Option {
	return func(s *Stager) {
		s.client = c
	}
}

// WithConcurrency limits parallel fetches per run
func WithConcurrency(n int) Option {
	return func(s *Stager) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Stager) {
		s.logger = l
	}
}

// New creates a Stager
func New(opts ...Option) *Stager {
	s := &Stager{
		client:      &http.Client{Timeout: defaultTimeout},
		concurrency: defaultConcurrency,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SafeName validates a relative attachment file name and returns it cleaned
func SafeName(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return cleaned, nil
}

// Validate checks names and schemes without fetching anything
func Validate(atts []run.Attachment) error {
	seen := make(map[string]bool, len(atts))
	for _, att := range atts {
		name, err := SafeName(att.FileName)
		if err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("duplicate attachment file name: %s", att.FileName)
		}
		seen[name] = true
		if _, err := parse(att.FileURL); err != nil {
			return err
		}
	}
	return nil
}

// Stage fetches every attachment into dir. The first failure cancels the
// remaining fetches.
func (s *Stager) Stage(ctx context.Context, dir string, atts []run.Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	if err := Validate(atts); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, att := range atts {
		g.Go(func() error {
			if err := s.fetch(gctx, dir, att); err != nil {
				return &FetchError{FileName: att.FileName, URL: att.FileURL, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Stager) fetch(ctx context.Context, dir string, att run.Attachment) error {
	name, err := SafeName(att.FileName)
	if err != nil {
		return err
	}
	dest := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	src, err := parse(att.FileURL)
	if err != nil {
		return err
	}
	start := time.Now()
	if src.git {
		err = s.clone(ctx, src, dest)
	} else {
		err = s.download(ctx, src.url, dest)
	}
	if err != nil {
		return err
	}
	s.logger.Debug("staged attachment", "file_name", att.FileName, "url", att.FileURL, "duration", time.Since(start))
	return nil
}

type source struct {
	url string
	ref string
	git bool
}

// parse accepts http, https, git+https and git+ssh URLs. A git URL may
// name a branch or tag in its fragment.
func parse(raw string) (source, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return source{}, fmt.Errorf("invalid attachment url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
		return source{url: raw}, nil
	case "git+https", "git+ssh":
		ref := u.Fragment
		u.Fragment = ""
		u.Scheme = strings.TrimPrefix(u.Scheme, "git+")
		return source{url: u.String(), ref: ref, git: true}, nil
	default:
		return source{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, raw)
	}
}

func (s *Stager) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func (s *Stager) clone(ctx context.Context, src source, dest string) error {
	opts := &git.CloneOptions{
		URL:          src.url,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if src.ref != "" {
		if strings.HasPrefix(src.ref, "refs/tags/") {
			opts.ReferenceName = plumbing.ReferenceName(src.ref)
		} else {
			opts.ReferenceName = plumbing.NewBranchReferenceName(src.ref)
		}
	}

	if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
		_ = os.RemoveAll(dest)
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	return nil
}
