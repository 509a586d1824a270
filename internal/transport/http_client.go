package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/model"
)

// route mirrors the teacher's chi `r.Get("/api/v1/quota/{id}", ...)`
// registration shape, reused client-side: {param} segments are filled
// in by buildPath instead of matched by a router.
type route string

const (
	routeArtist          route = "/v1/content/artist/{id}"
	routeAlbum           route = "/v1/content/album/{id}"
	routeTrack           route = "/v1/content/track/{id}"
	routeSkeletonFull    route = "/v1/catalog/skeleton"
	routeSkeletonVersion route = "/v1/catalog/skeleton/version"
	routeSkeletonDelta   route = "/v1/catalog/skeleton/delta"
	routeUserState       route = "/v1/sync/state"
	routeUserEvents      route = "/v1/sync/events"
)

func buildPath(r route, params map[string]string) string {
	path := string(r)
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}
	return path
}

// HTTPClient implements Adapter over net/http, grounded on the
// teacher's chi route-table conventions (internal/api/routes.go) read
// backwards as a client, and its encoding/json.NewDecoder response
// handling (internal/api/user_api.go).
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient constructs a client against baseURL (e.g.
// "https://api.example.com").
func NewHTTPClient(baseURL string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("transport: build request %s: %w", path, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &ClassifiedError{Reason: model.ReasonNetwork, Err: fmt.Errorf("transport: do %s: %w", path, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return &ClassifiedError{
			Reason: ClassifyStatus(resp.StatusCode),
			Err:    fmt.Errorf("transport: %s returned status %d", path, resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClassifiedError{Reason: model.ReasonClient, Err: fmt.Errorf("transport: decode %s: %w", path, err)}
	}
	return nil
}

func (c *HTTPClient) FetchArtist(ctx context.Context, id string) (model.Artist, error) {
	var out model.Artist
	err := c.get(ctx, buildPath(routeArtist, map[string]string{"id": id}), &out)
	return out, err
}

func (c *HTTPClient) FetchAlbum(ctx context.Context, id string) (model.Album, error) {
	var out model.Album
	err := c.get(ctx, buildPath(routeAlbum, map[string]string{"id": id}), &out)
	return out, err
}

func (c *HTTPClient) FetchTrack(ctx context.Context, id string) (model.Track, error) {
	var out model.Track
	err := c.get(ctx, buildPath(routeTrack, map[string]string{"id": id}), &out)
	return out, err
}

type skeletonFullResponse struct {
	Version  int64                      `json:"version"`
	Checksum string                     `json:"checksum"`
	Artists  []string                   `json:"artists"`
	Albums   []model.SkeletonAlbumEntry `json:"albums"`
	Tracks   []model.SkeletonTrackEntry `json:"tracks"`
}

func (c *HTTPClient) FetchSkeletonFull(ctx context.Context) (model.SkeletonSnapshot, error) {
	var out skeletonFullResponse
	if err := c.get(ctx, string(routeSkeletonFull), &out); err != nil {
		return model.SkeletonSnapshot{}, err
	}
	return model.SkeletonSnapshot{
		Version:  out.Version,
		Checksum: out.Checksum,
		Artists:  out.Artists,
		Albums:   out.Albums,
		Tracks:   out.Tracks,
	}, nil
}

func (c *HTTPClient) FetchSkeletonVersion(ctx context.Context) (int64, string, error) {
	var out struct {
		Version  int64  `json:"version"`
		Checksum string `json:"checksum"`
	}
	if err := c.get(ctx, string(routeSkeletonVersion), &out); err != nil {
		return 0, "", err
	}
	return out.Version, out.Checksum, nil
}

// FetchSkeletonDelta fetches the changes since the given version. A
// 404 on this endpoint means the server no longer has a delta back to
// that version (§6), so it is remapped from the generic
// ClassifyStatus NotFound to VersionTooOld instead — unlike every
// other endpoint, where 404 really does mean "not found".
func (c *HTTPClient) FetchSkeletonDelta(ctx context.Context, since int64) (model.SkeletonDelta, error) {
	path := string(routeSkeletonDelta) + "?since=" + strconv.FormatInt(since, 10)
	var out model.SkeletonDelta
	err := c.get(ctx, path, &out)
	if err != nil {
		var classified *ClassifiedError
		if errors.As(err, &classified) && classified.Reason == model.ReasonNotFound {
			classified.Reason = model.ReasonVersionTooOld
		}
		return out, err
	}
	return out, nil
}

func (c *HTTPClient) FetchUserState(ctx context.Context) (model.UserStateSnapshot, error) {
	var out model.UserStateSnapshot
	err := c.get(ctx, string(routeUserState), &out)
	return out, err
}

func (c *HTTPClient) FetchUserEvents(ctx context.Context, since int64) (model.UserEventPage, error) {
	path := string(routeUserEvents) + "?since=" + strconv.FormatInt(since, 10)
	var out model.UserEventPage
	err := c.get(ctx, path, &out)
	return out, err
}

func (c *HTTPClient) PostUserMutation(ctx context.Context, req model.UserMutationRequest) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("transport: build mutation request %s: %w", req.Path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &ClassifiedError{Reason: model.ReasonNetwork, Err: fmt.Errorf("transport: post %s: %w", req.Path, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return &ClassifiedError{
			Reason: ClassifyStatus(resp.StatusCode),
			Err:    fmt.Errorf("transport: %s returned status %d", req.Path, resp.StatusCode),
		}
	}
	return nil
}
