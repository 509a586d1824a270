// Package transport is the Transport Adapter boundary of spec.md §4.9:
// everything the core needs from the network, expressed as Go
// interfaces so the concrete HTTP/WebSocket implementation can be
// swapped without touching the Fetcher or Synchronizers.
package transport

import (
	"context"

	"github.com/lelloman/catalogcore/internal/model"
)

// Adapter is the boundary contract called by the Fetcher and the two
// Synchronizers. A concrete net/http implementation lives in
// http_client.go.
type Adapter interface {
	FetchArtist(ctx context.Context, id string) (model.Artist, error)
	FetchAlbum(ctx context.Context, id string) (model.Album, error)
	FetchTrack(ctx context.Context, id string) (model.Track, error)

	FetchSkeletonFull(ctx context.Context) (model.SkeletonSnapshot, error)
	FetchSkeletonVersion(ctx context.Context) (version int64, checksum string, err error)
	FetchSkeletonDelta(ctx context.Context, since int64) (model.SkeletonDelta, error)

	FetchUserState(ctx context.Context) (model.UserStateSnapshot, error)
	FetchUserEvents(ctx context.Context, since int64) (model.UserEventPage, error)
	PostUserMutation(ctx context.Context, req model.UserMutationRequest) error
}

// PushMessage is one decoded inbound push payload (§6 push channel).
type PushMessage struct {
	Type    string
	Payload []byte
}

// PushListener is the push-channel boundary, implemented over
// gorilla/websocket in push_listener.go.
type PushListener interface {
	Listen(ctx context.Context) (<-chan PushMessage, error)
}

// ClassifiedError pairs a §7 error reason with the underlying cause.
// Fetcher and Synchronizers branch on Reason and log Err.
type ClassifiedError struct {
	Reason model.ErrorReason
	Err    error
}

func (e *ClassifiedError) Error() string {
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to the §7 error taxonomy,
// mirroring how the teacher's internal/drivers/s3_resilience.go
// classifies transport failures before they reach the retry policy —
// here the classification happens at the transport boundary instead of
// inside a circuit breaker.
func ClassifyStatus(status int) model.ErrorReason {
	switch {
	case status == 401 || status == 403:
		return model.ReasonUnauthorized
	case status == 404:
		return model.ReasonNotFound
	case status == 410:
		return model.ReasonEventsPruned
	case status >= 500:
		return model.ReasonNetwork
	case status >= 400:
		return model.ReasonClient
	default:
		return model.ReasonUnknown
	}
}
