// Package dispatcher implements the narrow boundary to the external
// media-indexing server described in spec.md §6: a connectivity probe, a
// library-section lister used to seed the initial watch set, and the
// partial-rescan trigger the Scheduler calls on every dispatch.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher is the capability the Scheduler consumes (spec.md §4.5): check
// reachability once at startup, then trigger scans per dispatch. Both calls
// are blocking from the caller's perspective.
type Dispatcher interface {
	CheckConnectivity(ctx context.Context) bool
	Scan(path string, sectionID int) bool
}

// Section is one library root discovered via /library/sections.
type Section struct {
	ID    int
	Paths []string
}

// Client is the concrete Dispatcher talking to a Plex-compatible indexing
// server over HTTP/JSON.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logrus.Entry
}

// New returns a Client. requestTimeout bounds each individual HTTP call
// (startup probe and per-dispatch scan alike); the caller is responsible
// for imposing startup_timeout as an overall deadline via ctx.
func New(baseURL, token string, requestTimeout time.Duration, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		log:     log,
	}
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-Plex-Token", c.token)
	}
	return req, nil
}

// CheckConnectivity probes GET {base}/identity; success is any HTTP 2xx.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	req, err := c.newRequest(ctx, "/identity")
	if err != nil {
		c.log.WithError(err).Warn("dispatcher: building identity request failed")
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithError(err).Warn("dispatcher: identity probe failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// sectionsResponse mirrors the subset of /library/sections' JSON body this
// daemon needs: MediaContainer.Directory[*].{key, Location[*].path}.
type sectionsResponse struct {
	MediaContainer struct {
		Directory []struct {
			Key      string `json:"key"`
			Location []struct {
				Path string `json:"path"`
			} `json:"Location"`
		} `json:"Directory"`
	} `json:"MediaContainer"`
}

// Sections fetches GET {base}/library/sections and returns each library's
// section_id and root paths, used to seed the initial watch set at startup.
func (c *Client) Sections(ctx context.Context) ([]Section, error) {
	req, err := c.newRequest(ctx, "/library/sections")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: fetching sections: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatcher: /library/sections returned HTTP %d", resp.StatusCode)
	}

	var body sectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("dispatcher: decoding sections: %w", err)
	}

	sections := make([]Section, 0, len(body.MediaContainer.Directory))
	for _, dir := range body.MediaContainer.Directory {
		id, err := strconv.Atoi(dir.Key)
		if err != nil {
			c.log.WithField("key", dir.Key).Warn("dispatcher: non-integer section key, skipping")
			continue
		}
		paths := make([]string, 0, len(dir.Location))
		for _, loc := range dir.Location {
			paths = append(paths, loc.Path)
		}
		sections = append(sections, Section{ID: id, Paths: paths})
	}
	return sections, nil
}

// Scan triggers GET {base}/library/sections/{sectionID}/refresh?path=... .
// Failure (network error or non-2xx) is reported as false; the Scheduler
// logs and swallows it — there is no retry queue (spec.md §4.4).
func (c *Client) Scan(path string, sectionID int) bool {
	reqPath := fmt.Sprintf("/library/sections/%d/refresh?path=%s", sectionID, url.QueryEscape(path))
	req, err := c.newRequest(context.Background(), reqPath)
	if err != nil {
		c.log.WithError(err).WithField("path", path).Warn("dispatcher: building scan request failed")
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"path": path, "section_id": sectionID}).
			Warn("dispatcher: scan request failed")
		return false
	}
	defer resp.Body.Close()
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		c.log.WithFields(logrus.Fields{"path": path, "section_id": sectionID, "status": resp.StatusCode}).
			Warn("dispatcher: scan request returned non-2xx")
	}
	return ok
}
