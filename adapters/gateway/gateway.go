// Package gateway looks up session information over the upstream REST API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/codewandler/clstr-sharder/core/sharding"
)

const (
	DefaultAPI       = "https://discord.com/api"
	DefaultVersion   = 10
	DefaultUserAgent = "clstr-sharder (https://github.com/codewandler/clstr-sharder)"
)

var (
	ErrMissingToken = errors.New("gateway: token is required")
	ErrUnauthorized = errors.New("gateway: unauthorized")
)

// HTTPError is a non-2xx answer of the API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway: http %d: %s", e.Status, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

type Options struct {
	Log       *slog.Logger
	Token     string
	API       string
	Version   int
	UserAgent string
	Client    *http.Client
}

// Provider fetches the bot session from GET {api}/v{version}/gateway/bot.
type Provider struct {
	log   *slog.Logger
	opts  Options
	token string
}

func New(opts Options) (*Provider, error) {
	token := NormalizeToken(opts.Token)
	if token == "" {
		return nil, ErrMissingToken
	}
	if opts.API == "" {
		opts.API = DefaultAPI
	}
	if opts.Version <= 0 {
		opts.Version = DefaultVersion
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		log:   log.With(slog.String("component", "gateway")),
		opts:  opts,
		token: token,
	}, nil
}

var botPrefix = regexp.MustCompile(`^Bot\s*`)

// NormalizeToken strips a leading "Bot " so tokens can be given either way.
func NormalizeToken(token string) string {
	return strings.TrimSpace(botPrefix.ReplaceAllString(strings.TrimSpace(token), ""))
}

// URL is the session endpoint.
func (p *Provider) URL() string {
	return fmt.Sprintf("%s/v%d/gateway/bot", strings.TrimRight(p.opts.API, "/"), p.opts.Version)
}

func (p *Provider) FetchSession(ctx context.Context) (sharding.Session, error) {
	var s sharding.Session
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(), nil)
	if err != nil {
		return s, err
	}
	req.Header.Set("Authorization", "Bot "+p.token)
	req.Header.Set("User-Agent", p.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return s, fmt.Errorf("gateway: fetch session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return s, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return s, fmt.Errorf("gateway: decode session: %w", err)
	}
	p.log.Debug("fetched session",
		slog.Int("shards", s.Shards),
		slog.Int("remaining", s.SessionStartLimit.Remaining),
	)
	return s, nil
}

var _ sharding.SessionProvider = (*Provider)(nil)
