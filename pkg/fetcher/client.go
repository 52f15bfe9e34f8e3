package fetcher

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crashsym/crashsym/pkg/symbolic"
)

type Config struct {
	// Origins are symbol server base URLs, tried in order.
	Origins flagext.StringSliceCSV `yaml:"origins"`
	Timeout time.Duration          `yaml:"timeout"`
	Backoff backoff.Config         `yaml:"backoff"`

	UserAgent string `yaml:"user_agent" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var(&cfg.Origins, "fetcher.origins", "Comma-separated symbol server base URLs, in priority order.")
	f.DurationVar(&cfg.Timeout, "fetcher.timeout", 30*time.Second, "Timeout for a single symbol download attempt.")
	f.StringVar(&cfg.UserAgent, "fetcher.user-agent", "crashsym/1.0", "User-Agent header sent to symbol servers.")
	cfg.Backoff.RegisterFlagsWithPrefix("fetcher", f)
}

func (cfg *Config) Validate() error {
	if len(cfg.Origins) == 0 {
		return fmt.Errorf("at least one symbol origin must be configured")
	}
	for _, origin := range cfg.Origins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid symbol origin URL: %q", origin)
		}
	}
	return nil
}

// Client downloads raw symbol file bytes for a module from the first
// origin that has them. It does not touch the cache; the cache drives
// it during population.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     log.Logger
	metrics    *metrics
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("stopped after 3 redirects")
			}
			return nil
		},
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		metrics:    newMetrics(reg),
	}, nil
}

// Fetch retrieves the symbol file for key, trying each origin in
// order. A 404 is terminal for an origin; timeouts and server errors
// are retried with backoff before falling back to the next origin.
// When every origin answers 404 the result is ModuleNotFoundError;
// any transport-level exhaustion instead yields an aggregate error so
// the absence is not cached as confirmed.
func (c *Client) Fetch(ctx context.Context, key symbolic.ModuleKey) ([]byte, error) {
	start := time.Now()
	status := statusSuccess
	defer func() {
		c.metrics.requestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	notFound := 0
	var errs multierror.MultiError
	for _, origin := range c.cfg.Origins {
		data, err := c.fetchOrigin(ctx, origin, key)
		if err == nil {
			data, err = decompress(data)
			if err != nil {
				status = statusErrorDecompress
				return nil, fmt.Errorf("decompress symbols for %s: %w", key, err)
			}
			c.metrics.fileSize.Observe(float64(len(data)))
			return data, nil
		}

		if statusCode, ok := isHTTPStatusError(err); ok && statusCode == http.StatusNotFound {
			notFound++
			continue
		}

		level.Warn(c.logger).Log("msg", "symbol fetch failed", "module", key, "origin", origin, "err", err)
		errs.Add(fmt.Errorf("origin %s: %w", origin, err))

		if ctx.Err() != nil {
			break
		}
	}

	if notFound == len(c.cfg.Origins) {
		status = statusErrorNotFound
		return nil, ModuleNotFoundError{Key: key}
	}
	status = statusErrorTransport
	return nil, fmt.Errorf("fetch %s: %w", key, errs.Err())
}

// fetchOrigin runs the retry loop for one origin.
func (c *Client) fetchOrigin(ctx context.Context, origin string, key symbolic.ModuleKey) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/%s/%s",
		strings.TrimSuffix(origin, "/"), key.DebugFile, key.DebugID, key.SymName())

	backOff := backoff.New(ctx, c.cfg.Backoff)
	var lastErr error
	for backOff.Ongoing() {
		data, err := c.doRequest(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return nil, err
		}
		backOff.Wait()
	}
	if lastErr == nil {
		lastErr = backOff.Err()
	}
	return nil, fmt.Errorf("after %d attempts: %w", backOff.NumRetries(), lastErr)
}

func (c *Client) doRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body := string(data)
		if len(body) > 1000 {
			body = body[:1000] + "... [truncated]"
		}
		return nil, httpStatusError{statusCode: resp.StatusCode, body: body}
	}
	return data, nil
}
