// Package model defines the static catalog entity types and the
// fetch-state record shared by the static-item materializer.
package model

import "time"

// ItemType tags which static entity kind a fetch or cache operation
// concerns.
type ItemType string

const (
	ItemArtist ItemType = "artist"
	ItemAlbum  ItemType = "album"
	ItemTrack  ItemType = "track"
)

// ArtistKind distinguishes the two Artist variants.
type ArtistKind string

const (
	ArtistIndividual ArtistKind = "individual"
	ArtistBand       ArtistKind = "band"
)

// Artist is a sum type over individual performers and bands, tagged by Kind.
type Artist struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	ImageID     string     `json:"image_id,omitempty"`
	Kind        ArtistKind `json:"kind"`
	MemberIDs   []string   `json:"members_ids,omitempty"`
}

// Disc groups a subset of an album's tracks.
type Disc struct {
	Name     string   `json:"name"`
	TrackIDs []string `json:"track_ids"`
}

// Album is a release by one or more artists, organized into discs.
type Album struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ReleaseDate time.Time `json:"release_date"`
	ImageID     string    `json:"image_id,omitempty"`
	ArtistIDs   []string  `json:"artist_ids"`
	Discs       []Disc    `json:"discs"`
}

// Availability describes whether a track can currently be played.
type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityUnavailable Availability = "unavailable"
	AvailabilityRegionLocked Availability = "region_locked"
)

// Track is a single playable recording belonging to an album.
type Track struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	AlbumID         string       `json:"album_id"`
	ArtistIDs       []string     `json:"artist_ids"`
	DurationSeconds int          `json:"duration_seconds"`
	Availability    Availability `json:"availability"`
}

// FetchStatus is the lifecycle state of a pending or errored fetch-state record.
type FetchStatus string

const (
	FetchStatusIdle    FetchStatus = "idle"
	FetchStatusLoading FetchStatus = "loading"
	FetchStatusError   FetchStatus = "error"
)

// ErrorReason is the §7 error taxonomy, used both by fetch records and
// by the synchronizers.
type ErrorReason string

const (
	ReasonNetwork       ErrorReason = "network"
	ReasonUnauthorized  ErrorReason = "unauthorized"
	ReasonNotFound      ErrorReason = "not_found"
	ReasonVersionTooOld ErrorReason = "version_too_old"
	ReasonEventsPruned  ErrorReason = "events_pruned"
	ReasonClient        ErrorReason = "client"
	ReasonUnknown       ErrorReason = "unknown"
)

// FetchRecord is the durable per-item fetch-state record of §3/§4.2.
// At most one record exists per ItemID at any time.
type FetchRecord struct {
	ItemID        string
	ItemType      ItemType
	Status        FetchStatus
	ErrorReason   ErrorReason
	LastAttemptMs int64
	RetryAfterMs  int64
}

// IsBackoffElapsed reports whether an errored record's retry deadline
// has passed as of nowMs.
func (r FetchRecord) IsBackoffElapsed(nowMs int64) bool {
	return nowMs >= r.RetryAfterMs
}
