// Package export writes the seed file of admissible directory entries.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/localbiz/directory/engine/category"
	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/engine/geo"
	"github.com/localbiz/directory/engine/store"
)

// Entry is one seed record.
type Entry struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Group       string  `json:"group"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Address     string  `json:"address"`
	Description string  `json:"description"`
	IsPremium   bool    `json:"isPremium"`
	Image       string  `json:"image,omitempty"`
}

// FromBusiness converts b. ok is false when b is hidden or outside zone.
// Groups the directory filters do not know are exported as other.
func FromBusiness(b domain.Business, zone geo.Zone) (Entry, bool) {
	if !b.Visible || !zone.Contains(b.Location) {
		return Entry{}, false
	}
	group := b.Group
	if !slices.Contains(category.Groups(), group) {
		group = category.GroupOther
	}
	return Entry{
		ID:          b.ID,
		Name:        b.Name,
		Category:    b.Category,
		Group:       group,
		Lat:         b.Location.Lat,
		Lng:         b.Location.Lng,
		Address:     b.Address,
		Description: b.Description,
		IsPremium:   b.IsPremium(),
		Image:       b.Image(),
	}, true
}

// Collect pages through s and returns every admissible entry.
func Collect(ctx context.Context, s store.Store, zone geo.Zone) ([]Entry, error) {
	const page = 500
	entries := []Entry{}
	for offset := 0; ; offset += page {
		batch, err := s.List(ctx, page, offset)
		if err != nil {
			return nil, fmt.Errorf("export: list: %w", err)
		}
		for _, b := range batch {
			if e, ok := FromBusiness(b, zone); ok {
				entries = append(entries, e)
			}
		}
		if len(batch) < page {
			return entries, nil
		}
	}
}

// Write encodes entries as indented JSON.
func Write(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(entries)
}

// WriteFile writes entries to path through a temp file and rename so a
// failed run never leaves a truncated seed file.
func WriteFile(path string, entries []Entry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".seed-*.json")
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, entries); err != nil {
		tmp.Close()
		return fmt.Errorf("export: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}
