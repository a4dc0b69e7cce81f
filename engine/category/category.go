// Package category maps provider taxonomy tags to the directory's display
// labels.
package category

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Other is returned when a candidate has no tags at all.
const Other = "Other"

// Groups used by the directory filters.
const (
	GroupFood       = "food"
	GroupTrades     = "trades"
	GroupHealth     = "health"
	GroupAutomotive = "automotive"
	GroupRetail     = "retail"
	GroupBeauty     = "beauty"
	GroupServices   = "services"
	GroupLodging    = "lodging"
	GroupEducation  = "education"
	GroupOther      = "other"
)

// Label is a normalized category.
type Label struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

type entry struct {
	tag   string
	label string
	group string
}

// table is ordered by priority. When two tags of the same candidate would
// match, the earlier tag in the candidate's list still wins; the order here
// only matters for aliases that share a label.
var table = []entry{
	{"restaurant", "Restaurante", GroupFood},
	{"meal_takeaway", "Comida para llevar", GroupFood},
	{"meal_delivery", "Comida a domicilio", GroupFood},
	{"cafe", "Cafetería", GroupFood},
	{"coffee_shop", "Cafetería", GroupFood},
	{"bakery", "Panadería", GroupFood},
	{"bar", "Bar", GroupFood},
	{"night_club", "Bar", GroupFood},
	{"taqueria", "Taquería", GroupFood},
	{"food", "Comida", GroupFood},

	{"plumber", "Plomero", GroupTrades},
	{"electrician", "Electricista", GroupTrades},
	{"locksmith", "Cerrajero", GroupTrades},
	{"painter", "Pintor", GroupTrades},
	{"roofing_contractor", "Techador", GroupTrades},
	{"general_contractor", "Contratista", GroupTrades},
	{"carpenter", "Carpintero", GroupTrades},
	{"moving_company", "Mudanzas", GroupTrades},

	{"hospital", "Hospital", GroupHealth},
	{"doctor", "Médico", GroupHealth},
	{"dentist", "Dentista", GroupHealth},
	{"pharmacy", "Farmacia", GroupHealth},
	{"drugstore", "Farmacia", GroupHealth},
	{"physiotherapist", "Fisioterapeuta", GroupHealth},
	{"veterinary_care", "Veterinaria", GroupHealth},
	{"gym", "Gimnasio", GroupHealth},
	{"health", "Salud", GroupHealth},

	{"car_repair", "Taller Mecánico", GroupAutomotive},
	{"car_wash", "Autolavado", GroupAutomotive},
	{"car_dealer", "Agencia de Autos", GroupAutomotive},
	{"gas_station", "Gasolinera", GroupAutomotive},
	{"parking", "Estacionamiento", GroupAutomotive},

	{"supermarket", "Supermercado", GroupRetail},
	{"grocery_or_supermarket", "Supermercado", GroupRetail},
	{"convenience_store", "Tienda de Conveniencia", GroupRetail},
	{"clothing_store", "Tienda de Ropa", GroupRetail},
	{"shoe_store", "Zapatería", GroupRetail},
	{"hardware_store", "Ferretería", GroupRetail},
	{"electronics_store", "Electrónica", GroupRetail},
	{"furniture_store", "Mueblería", GroupRetail},
	{"florist", "Florería", GroupRetail},
	{"book_store", "Librería", GroupRetail},
	{"pet_store", "Tienda de Mascotas", GroupRetail},
	{"jewelry_store", "Joyería", GroupRetail},
	{"liquor_store", "Licorería", GroupRetail},
	{"shopping_mall", "Centro Comercial", GroupRetail},
	{"store", "Tienda", GroupRetail},

	{"beauty_salon", "Salón de Belleza", GroupBeauty},
	{"hair_care", "Estética", GroupBeauty},
	{"barber_shop", "Barbería", GroupBeauty},
	{"spa", "Spa", GroupBeauty},
	{"nail_salon", "Uñas", GroupBeauty},

	{"laundry", "Lavandería", GroupServices},
	{"bank", "Banco", GroupServices},
	{"atm", "Cajero", GroupServices},
	{"insurance_agency", "Seguros", GroupServices},
	{"real_estate_agency", "Inmobiliaria", GroupServices},
	{"lawyer", "Abogado", GroupServices},
	{"accounting", "Contador", GroupServices},
	{"travel_agency", "Agencia de Viajes", GroupServices},
	{"post_office", "Correos", GroupServices},

	{"lodging", "Hotel", GroupLodging},
	{"hotel", "Hotel", GroupLodging},

	{"school", "Escuela", GroupEducation},
	{"primary_school", "Escuela", GroupEducation},
	{"secondary_school", "Escuela", GroupEducation},
	{"university", "Universidad", GroupEducation},
	{"library", "Biblioteca", GroupEducation},
}

// generic tags say nothing about the business and are skipped.
var generic = map[string]bool{
	"point_of_interest": true,
	"establishment":     true,
	"premise":           true,
}

var index = func() map[string]entry {
	m := make(map[string]entry, len(table))
	for _, e := range table {
		if _, dup := m[e.tag]; !dup {
			m[e.tag] = e
		}
	}
	return m
}()

func key(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Classify returns the label and group for tags. It never returns an empty
// name: with no table hit the first meaningful tag is title-cased, and with
// no tags at all the result is Other.
func Classify(tags []string) Label {
	var first string
	for _, t := range tags {
		k := key(t)
		if k == "" {
			continue
		}
		if e, ok := index[k]; ok {
			return Label{Name: e.label, Group: e.group}
		}
		if first == "" && !generic[k] {
			first = k
		}
	}
	if first == "" {
		// Only generic or blank tags: fall back to the first non-blank one.
		for _, t := range tags {
			if k := key(t); k != "" {
				first = k
				break
			}
		}
	}
	if first == "" {
		return Label{Name: Other, Group: GroupOther}
	}
	return Label{Name: titleCase(first), Group: GroupOther}
}

// Normalize returns only the display label of Classify.
func Normalize(tags []string) string {
	return Classify(tags).Name
}

func titleCase(tag string) string {
	s := strings.NewReplacer("_", " ", "-", " ").Replace(tag)
	// Casers hold state; build one per call.
	return cases.Title(language.Und).String(strings.Join(strings.Fields(s), " "))
}

// Groups lists every group in display order.
func Groups() []string {
	return []string{
		GroupFood, GroupTrades, GroupHealth, GroupAutomotive, GroupRetail,
		GroupBeauty, GroupServices, GroupLodging, GroupEducation, GroupOther,
	}
}
