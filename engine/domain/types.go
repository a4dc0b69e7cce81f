// Package domain defines the candidate and business records that flow
// through the ingestion pipeline, plus the validation gate applied before a
// business is written.
package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Point is a geographic coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether both coordinates are finite and in range.
func (p Point) Valid() bool {
	for _, v := range []float64{p.Lat, p.Lng} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// PhotoRef describes one photo attached to a search result.
type PhotoRef struct {
	Reference string `json:"reference"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Candidate is a raw search result. It only lives for one fetch cycle.
type Candidate struct {
	SourceID    string     `json:"source_id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	Rating      *float64   `json:"rating,omitempty"`
	ReviewCount *int       `json:"review_count,omitempty"`
	Location    *Point     `json:"location,omitempty"`
	Photos      []PhotoRef `json:"photos,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Website     string     `json:"website,omitempty"`
}

// FirstPhoto returns the first photo reference, or "".
func (c Candidate) FirstPhoto() string {
	for _, p := range c.Photos {
		if p.Reference != "" {
			return p.Reference
		}
	}
	return ""
}

// Plan is the subscription tier of a listing.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanBasic   Plan = "basic"
	PlanPremium Plan = "premium"
)

// Valid reports whether p is a known tier.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanBasic, PlanPremium:
		return true
	}
	return false
}

// Provenance records where an ingested record and its photo came from.
// A nil *Provenance means the record has none (e.g. manual admin entry).
type Provenance struct {
	SourceID       string `json:"source_id,omitempty"`
	SourcePhotoRef string `json:"source_photo_ref,omitempty"`
}

// Empty reports whether p carries no information.
func (p *Provenance) Empty() bool {
	return p == nil || (p.SourceID == "" && p.SourcePhotoRef == "")
}

// Business is the canonical directory record.
type Business struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Category    string      `json:"category"`
	Group       string      `json:"group"`
	Address     string      `json:"address"`
	Location    *Point      `json:"location,omitempty"`
	Description string      `json:"description"`
	Phone       string      `json:"phone,omitempty"`
	Website     string      `json:"website,omitempty"`
	ImageURL    *string     `json:"image_url"`
	Visible     bool        `json:"visible"`
	Plan        Plan        `json:"plan"`
	OwnerID     string      `json:"owner_id,omitempty"`
	Provenance  *Provenance `json:"provenance,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// IsPremium is derived from the plan tier.
func (b Business) IsPremium() bool { return b.Plan == PlanPremium }

// Image returns the image URL or "".
func (b Business) Image() string {
	if b.ImageURL == nil {
		return ""
	}
	return *b.ImageURL
}

// idSpace namespaces ids derived from provider source ids.
var idSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://localbiz.directory/businesses"))

// StableID maps a provider source id to the same business id on every run.
func StableID(sourceID string) string {
	return uuid.NewSHA1(idSpace, []byte("places:"+sourceID)).String()
}

// NewID returns a random id for records without a source id.
func NewID() string { return uuid.NewString() }

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
