package pipeline

import (
	"context"
	"time"
)

// ObjectStore is the blob store the catalog is published to.
type ObjectStore interface {
	// List returns the base names of objects under prefix, excluding the prefix itself.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	// GetText reads an object as UTF-8 text.
	GetText(ctx context.Context, bucket, key string) (string, error)
	// PutText replaces an object with text content.
	PutText(ctx context.Context, bucket, key, text string, policy *AccessPolicy) error
	// PutFile uploads a local file.
	PutFile(ctx context.Context, bucket, key, localPath string, policy *AccessPolicy) error
	// Copy duplicates an object server side.
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, policy *AccessPolicy) error
	// Delete removes an object.
	Delete(ctx context.Context, bucket, key string) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Lister returns the anchor targets of a directory index page as absolute URLs
// paired with the raw href text.
type Lister interface {
	List(ctx context.Context, url string) ([]Link, error)
}

// Link is one anchor found on an index page.
type Link struct {
	Href string
	URL  string
}

// Transformer reprojects rasters and encodes them as COGs.
type Transformer interface {
	Reproject(ctx context.Context, input string, opts ReprojectOptions) (string, error)
	EncodeCOG(ctx context.Context, input, output, datetime string) (COGValidation, error)
}

// ThumbnailRenderer renders a preview image for a raster.
type ThumbnailRenderer interface {
	Thumbnail(ctx context.Context, input string) (string, error)
}

// Registrar triggers STAC registration for published items.
type Registrar interface {
	Register(ctx context.Context, textFilter, level string) (RegistrationResult, error)
}

// RegistrationResult is the STAC API's answer.
type RegistrationResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Raw     map[string]any `json:"raw,omitempty"`
}

// OutcomeStore persists terminal item outcomes.
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, record OutcomeRecord) error
}

// Notifier pushes item-published events to Pub/Sub (or similar).
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive integrity.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
