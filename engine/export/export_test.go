package export

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/engine/geo"
	"github.com/localbiz/directory/engine/store"
)

func business(id, name string, p *domain.Point) domain.Business {
	return domain.Business{
		ID: id, Name: name, Category: "Restaurante", Group: "food", Address: "Calle " + id,
		Location: p, Visible: true, Plan: domain.PlanFree, Description: "Restaurante en Calle " + id,
	}
}

func TestFromBusiness(t *testing.T) {
	center := &domain.Point{Lat: geo.CenterLat, Lng: geo.CenterLng}
	b := business("a", "Taco Place", center)
	b.Plan = domain.PlanPremium
	b.ImageURL = domain.StringPtr("https://cdn.test/a.jpg")

	e, ok := FromBusiness(b, geo.DefaultZone)
	if !ok {
		t.Fatal("expected admissible")
	}
	if !e.IsPremium || e.Image != "https://cdn.test/a.jpg" || e.Lat != geo.CenterLat {
		t.Fatalf("entry = %+v", e)
	}

	if _, ok := FromBusiness(business("b", "Far", &domain.Point{Lat: 25.50, Lng: -100.00}), geo.DefaultZone); ok {
		t.Fatal("far record exported")
	}
	if _, ok := FromBusiness(business("c", "No Geo", nil), geo.DefaultZone); ok {
		t.Fatal("record without location exported")
	}
	hidden := business("d", "Hidden", center)
	hidden.Visible = false
	if _, ok := FromBusiness(hidden, geo.DefaultZone); ok {
		t.Fatal("hidden record exported")
	}
}

func TestFromBusinessUnknownGroupExportsAsOther(t *testing.T) {
	center := &domain.Point{Lat: geo.CenterLat, Lng: geo.CenterLng}
	for group, want := range map[string]string{"food": "food", "restaurants": "other", "": "other"} {
		b := business("a", "Taco Place", center)
		b.Group = group
		e, ok := FromBusiness(b, geo.DefaultZone)
		if !ok {
			t.Fatal("expected admissible")
		}
		if e.Group != want {
			t.Errorf("group %q exported as %q, want %q", group, e.Group, want)
		}
	}
}

func TestCollectAndWrite(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	center := &domain.Point{Lat: geo.CenterLat, Lng: geo.CenterLng}
	for _, b := range []domain.Business{
		business("a", "Taco Place", center),
		business("b", "Far", &domain.Point{Lat: 25.50, Lng: -100.00}),
	} {
		if err := s.Insert(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := Collect(ctx, s, geo.DefaultZone)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "Taco Place" {
		t.Fatalf("entries = %+v", entries)
	}

	var buf bytes.Buffer
	if err := Write(&buf, entries); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, key := range []string{`"id"`, `"name"`, `"category"`, `"group"`, `"lat"`, `"lng"`, `"address"`, `"description"`, `"isPremium"`} {
		if !strings.Contains(out, key) {
			t.Errorf("output missing %s", key)
		}
	}
	if strings.Contains(out, `"image"`) {
		t.Error("image should be omitted when empty")
	}
}

func TestCollectEmptyStoreGivesEmptyArray(t *testing.T) {
	entries, err := Collect(context.Background(), store.NewMemory(), geo.DefaultZone)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	Write(&buf, entries)
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "businesses.json")
	entries := []Entry{{ID: "a", Name: "Taco Place", Category: "Restaurante", Group: "food"}}
	if err := WriteFile(path, entries); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back []Entry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if len(back) != 1 || back[0].Name != "Taco Place" {
		t.Fatalf("file = %s", data)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".seed-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left: %v", leftovers)
	}
}
