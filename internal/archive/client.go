package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"astro-studio-backend/internal/metrics"
)

// Observation is one row of a cone-search result.
type Observation struct {
	ObsID           string `json:"obs_id"`
	Collection      string `json:"obs_collection"`
	CalibLevel      int    `json:"calib_level"`
	DataProductType string `json:"dataproduct_type"`
	IntentType      string `json:"intentType"`
}

// Product is one downloadable data product of an observation.
type Product struct {
	Filename    string `json:"productFilename"`
	CalibLevel  int    `json:"calib_level"`
	ProductType string `json:"productType"`
	URI         string `json:"dataURI"`
	Size        int64  `json:"size"`
}

// ErrRemote wraps archive-side failures that are worth retrying.
var ErrRemote = errors.New("archive remote error")

// Client talks to a MAST-style archive: cone search, product listing and
// byte fetch. Every call takes a context; downloads additionally honor
// the configured per-file timeout.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	downloadTimeout time.Duration
	maxRetries      int
}

func NewClient(baseURL string, requestTimeout, downloadTimeout time.Duration) *Client {
	return &Client{
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: requestTimeout},
		downloadTimeout: downloadTimeout,
		maxRetries:      5,
	}
}

type coneSearchResponse struct {
	Data []Observation `json:"data"`
}

// QueryRegion runs a cone search and returns observations intersecting
// the given circle, filtered server-side by collection when non-empty.
func (c *Client) QueryRegion(ctx context.Context, raDeg, decDeg, radiusDeg float64, collection string) ([]Observation, error) {
	q := url.Values{}
	q.Set("ra", fmt.Sprintf("%.6f", raDeg))
	q.Set("dec", fmt.Sprintf("%.6f", decDeg))
	q.Set("radius", fmt.Sprintf("%.4f", radiusDeg))
	if collection != "" {
		q.Set("obs_collection", collection)
	}
	q.Set("intentType", "science")

	var result coneSearchResponse
	if err := c.getJSON(ctx, "/invoke/cone_search", q, &result); err != nil {
		metrics.ArchiveRequests.WithLabelValues("cone_search", "failed").Inc()
		return nil, err
	}
	metrics.ArchiveRequests.WithLabelValues("cone_search", "success").Inc()
	return result.Data, nil
}

type productListResponse struct {
	Data []Product `json:"data"`
}

// ListProducts returns the data products of one observation.
func (c *Client) ListProducts(ctx context.Context, obs Observation) ([]Product, error) {
	q := url.Values{}
	q.Set("obs_id", obs.ObsID)

	var result productListResponse
	if err := c.getJSON(ctx, "/invoke/product_list", q, &result); err != nil {
		metrics.ArchiveRequests.WithLabelValues("product_list", "failed").Inc()
		return nil, err
	}
	metrics.ArchiveRequests.WithLabelValues("product_list", "success").Inc()
	return result.Data, nil
}

// DownloadProduct fetches a product's bytes into destDir and returns the
// local path. Transient failures are retried with backoff. The archive
// names the file; only its base name is used, so the destination can
// never land outside destDir.
func (c *Client) DownloadProduct(ctx context.Context, product Product, destDir string) (string, error) {
	base := path.Base(strings.ReplaceAll(product.Filename, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		metrics.ArchiveRequests.WithLabelValues("download", "failed").Inc()
		return "", fmt.Errorf("invalid product filename %q", product.Filename)
	}

	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	destPath := filepath.Join(destDir, base)
	err := c.retryWithBackoff(ctx, func() error {
		return c.fetchToFile(ctx, product.URI, destPath)
	})
	if err != nil {
		metrics.ArchiveRequests.WithLabelValues("download", "failed").Inc()
		return "", err
	}
	metrics.ArchiveRequests.WithLabelValues("download", "success").Inc()
	return destPath, nil
}

func (c *Client) fetchToFile(ctx context.Context, uri, destPath string) error {
	downloadURL := uri
	if u, err := url.Parse(uri); err != nil || !u.IsAbs() {
		downloadURL = c.baseURL + "/download/file?uri=" + url.QueryEscape(uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d for %s", ErrRemote, resp.StatusCode, uri)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: status %d for %s", resp.StatusCode, uri)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("%w: copy %s: %v", ErrRemote, uri, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, out any) error {
	return c.retryWithBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRemote, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read body: %v", ErrRemote, err)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d, body: %s", ErrRemote, resp.StatusCode, body)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("archive request failed: status %d, body: %s", resp.StatusCode, body)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// retryWithBackoff retries transient remote errors with exponential
// backoff: base 1s, factor 2, cap 30s. Non-remote errors fail fast.
func (c *Client) retryWithBackoff(ctx context.Context, fn func() error) error {
	backoff := time.Second
	const backoffCap = 30 * time.Second

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRemote) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}
