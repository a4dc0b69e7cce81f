package category

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want string
	}{
		{"empty", nil, Other},
		{"blank only", []string{"", "  "}, Other},
		{"restaurant", []string{"restaurant"}, "Restaurante"},
		{"case insensitive", []string{" Restaurant "}, "Restaurante"},
		{"unknown", []string{"unknown_tag_xyz"}, "Unknown Tag Xyz"},
		{"hyphenated", []string{"food-truck-park"}, "Food Truck Park"},
		{"first hit wins", []string{"bakery", "restaurant"}, "Panadería"},
		{"skips unknown before hit", []string{"mystery", "car_repair"}, "Taller Mecánico"},
		{"generic tags skipped", []string{"point_of_interest", "establishment", "plumber"}, "Plomero"},
		{"fallback skips generic", []string{"establishment", "taco_truck"}, "Taco Truck"},
		{"only generic", []string{"point_of_interest"}, "Point Of Interest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.tags); got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.tags, got, tt.want)
			}
		})
	}
}

func TestClassifyGroups(t *testing.T) {
	tests := []struct {
		tags []string
		want string
	}{
		{[]string{"restaurant"}, GroupFood},
		{[]string{"electrician"}, GroupTrades},
		{[]string{"dentist"}, GroupHealth},
		{[]string{"car_wash"}, GroupAutomotive},
		{[]string{"hardware_store"}, GroupRetail},
		{[]string{"barber_shop"}, GroupBeauty},
		{[]string{"laundry"}, GroupServices},
		{[]string{"lodging"}, GroupLodging},
		{[]string{"university"}, GroupEducation},
		{[]string{"unknown_tag_xyz"}, GroupOther},
		{nil, GroupOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.tags).Group; got != tt.want {
			t.Errorf("Classify(%q).Group = %q, want %q", tt.tags, got, tt.want)
		}
	}
}

func TestTableEntriesAreComplete(t *testing.T) {
	known := map[string]bool{}
	for _, g := range Groups() {
		known[g] = true
	}
	for _, e := range table {
		if e.label == "" {
			t.Errorf("tag %q has no label", e.tag)
		}
		if !known[e.group] {
			t.Errorf("tag %q has unknown group %q", e.tag, e.group)
		}
		if key(e.tag) != e.tag {
			t.Errorf("tag %q is not in normalized form", e.tag)
		}
	}
}
