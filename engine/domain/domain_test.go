package domain

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func validBusiness() Business {
	return Business{
		ID:       StableID("abc"),
		Name:     "Taco Place",
		Category: "Restaurante",
		Address:  "Calle 1",
		Location: &Point{Lat: 25.6714, Lng: -100.3095},
		Plan:     PlanFree,
	}
}

func TestPointValid(t *testing.T) {
	tests := []struct {
		p    Point
		want bool
	}{
		{Point{25.6714, -100.3095}, true},
		{Point{0, 0}, true},
		{Point{math.NaN(), 1}, false},
		{Point{1, math.Inf(1)}, false},
		{Point{91, 0}, false},
		{Point{0, -181}, false},
	}
	for _, tt := range tests {
		if got := tt.p.Valid(); got != tt.want {
			t.Errorf("%v.Valid() = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestStableIDIsDeterministic(t *testing.T) {
	if StableID("ChIJ123") != StableID("ChIJ123") {
		t.Fatal("same source id must map to the same id")
	}
	if StableID("ChIJ123") == StableID("ChIJ124") {
		t.Fatal("different source ids must not collide")
	}
	if NewID() == NewID() {
		t.Fatal("random ids collided")
	}
}

func TestIsPremiumDerivedFromPlan(t *testing.T) {
	b := validBusiness()
	if b.IsPremium() {
		t.Fatal("free plan should not be premium")
	}
	b.Plan = PlanPremium
	if !b.IsPremium() {
		t.Fatal("premium plan should be premium")
	}
}

func TestProvenanceEmpty(t *testing.T) {
	var p *Provenance
	if !p.Empty() {
		t.Fatal("nil provenance should be empty")
	}
	if (&Provenance{SourcePhotoRef: "ref"}).Empty() {
		t.Fatal("provenance with a photo ref is not empty")
	}
}

func TestFirstPhoto(t *testing.T) {
	c := Candidate{Photos: []PhotoRef{{}, {Reference: "r2"}}}
	if got := c.FirstPhoto(); got != "r2" {
		t.Fatalf("FirstPhoto = %q", got)
	}
	if (Candidate{}).FirstPhoto() != "" {
		t.Fatal("expected empty reference")
	}
}

func TestValidateBusiness(t *testing.T) {
	if err := ValidateBusiness(validBusiness()); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Business)
		want   error
	}{
		{"no id", func(b *Business) { b.ID = "" }, ErrEmptyID},
		{"blank name", func(b *Business) { b.Name = "  " }, ErrEmptyName},
		{"no category", func(b *Business) { b.Category = "" }, ErrEmptyCategory},
		{"nan location", func(b *Business) { b.Location = &Point{Lat: math.NaN()} }, ErrBadLocation},
		{"bad plan", func(b *Business) { b.Plan = "gold" }, ErrUnknownPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBusiness()
			tt.mutate(&b)
			err := ValidateBusiness(b)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidationErrorString(t *testing.T) {
	s := NewValidationError("plan", "gold", ErrUnknownPlan).Error()
	if !strings.Contains(s, "plan") || !strings.Contains(s, "gold") || !strings.Contains(s, "unknown plan") {
		t.Fatalf("unexpected error string: %s", s)
	}
}
