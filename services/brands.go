package services

import (
	"strings"

	"yad2-ingest/storage"
)

// catalog holds the canonical brands and their common models. Preload seeds
// the reference tables with it.
var catalog = map[string][]string{
	"Toyota":     {"Corolla", "Camry", "RAV4", "Prius", "Hilux", "Land Cruiser", "Yaris", "C-HR", "Corolla Cross", "Highlander"},
	"Mazda":      {"3", "6", "CX-5", "CX-30", "CX-9", "MX-5", "CX-3", "CX-60", "CX-90"},
	"Hyundai":    {"Tucson", "Kona", "i30", "i20", "i10", "i40", "Santa Fe", "Palisade", "IONIQ", "IONIQ 5", "IONIQ 6"},
	"Kia":        {"Sportage", "Sorento", "Picanto", "Rio", "Ceed", "Niro", "EV6", "EV9", "Seltos", "Stonic"},
	"Mitsubishi": {"Outlander", "ASX", "Eclipse Cross", "Pajero", "L200"},
	"Subaru":     {"Forester", "Outback", "XV", "Impreza", "Legacy", "WRX", "BRZ"},
	"Honda":      {"Civic", "CR-V", "Accord", "HR-V", "Jazz", "City"},
	"Nissan":     {"Qashqai", "X-Trail", "Juke", "Leaf", "Micra", "Note", "Navara", "Ariya"},
	"Suzuki":     {"Swift", "Vitara", "S-Cross", "Ignis", "Jimny", "Baleno"},
	"Volkswagen": {"Golf", "Tiguan", "Passat", "Polo", "T-Roc", "T-Cross", "ID.3", "ID.4", "ID.5"},
	"BMW":        {"3 Series", "5 Series", "X1", "X3", "X5", "i4", "iX", "2 Series", "4 Series"},
	"Mercedes":   {"A-Class", "C-Class", "E-Class", "GLA", "GLC", "GLE", "EQS", "EQE", "S-Class"},
	"Audi":       {"A3", "A4", "A6", "Q3", "Q5", "Q7", "e-tron"},
	"Volvo":      {"XC40", "XC60", "XC90", "S60", "S90", "V60", "C40", "EX30"},
	"Skoda":      {"Octavia", "Superb", "Kodiaq", "Karoq", "Kamiq", "Enyaq", "Scala", "Fabia"},
	"SEAT":       {"Leon", "Arona", "Ateca", "Tarraco", "Ibiza"},
	"Renault":    {"Clio", "Megane", "Captur", "Kadjar", "Austral", "Arkana", "Zoe"},
	"Peugeot":    {"208", "2008", "308", "3008", "5008"},
	"Citroen":    {"C3", "C3 Aircross", "C4", "C5 Aircross"},
	"Ford":       {"Fiesta", "Focus", "Puma", "Kuga", "Explorer"},
	"Opel":       {"Corsa", "Astra", "Mokka", "Grandland", "Crossland"},
}

// brandAliases maps normalized spellings seen on the site to a catalog brand.
var brandAliases = map[string]string{
	"טויוטה":        "Toyota",
	"מאזדה":         "Mazda",
	"יונדאי":        "Hyundai",
	"קיה":           "Kia",
	"מיצובישי":      "Mitsubishi",
	"סובארו":        "Subaru",
	"הונדה":         "Honda",
	"ניסאן":         "Nissan",
	"סוזוקי":        "Suzuki",
	"פולקסווגן":     "Volkswagen",
	"vw":            "Volkswagen",
	"ב.מ.וו":        "BMW",
	"במוו":          "BMW",
	"ב מ וו":        "BMW",
	"מרצדס":         "Mercedes",
	"מרצדס בנץ":     "Mercedes",
	"mercedes-benz": "Mercedes",
	"mercedes benz": "Mercedes",
	"אאודי":         "Audi",
	"אודי":          "Audi",
	"וולוו":         "Volvo",
	"סקודה":         "Skoda",
	"škoda":         "Skoda",
	"סיאט":          "SEAT",
	"רנו":           "Renault",
	"פיג'ו":         "Peugeot",
	"פיגו":          "Peugeot",
	"סיטרואן":       "Citroen",
	"citroën":       "Citroen",
	"פורד":          "Ford",
	"אופל":          "Opel",
}

// modelAliases maps normalized Hebrew model names to catalog spellings.
var modelAliases = map[string]string{
	"קורולה":   "Corolla",
	"קאמרי":    "Camry",
	"יאריס":    "Yaris",
	"פריוס":    "Prius",
	"סיוויק":   "Civic",
	"אקורד":    "Accord",
	"סדרה 3":   "3 Series",
	"סדרה 5":   "5 Series",
	"טוסון":    "Tucson",
	"קונה":     "Kona",
	"ספורטז'":  "Sportage",
	"פיקנטו":   "Picanto",
	"נירו":     "Niro",
	"אוקטביה":  "Octavia",
	"סופרב":    "Superb",
	"גולף":     "Golf",
	"פולו":     "Polo",
	"טיגואן":   "Tiguan",
	"קשקאי":    "Qashqai",
	"אאוטלנדר": "Outlander",
	"פורסטר":   "Forester",
	"סוויפט":   "Swift",
}

var canonicalBrands = func() map[string]string {
	m := make(map[string]string, len(catalog)+len(brandAliases))
	for brand := range catalog {
		m[storage.NormalizeName(brand)] = brand
	}
	for alias, brand := range brandAliases {
		m[storage.NormalizeName(alias)] = brand
	}
	return m
}()

// CanonicalBrand returns the catalog spelling of name, or the cleaned input
// and false when the brand is unknown.
func CanonicalBrand(name string) (string, bool) {
	name = normaliseText(name)
	if brand, ok := canonicalBrands[storage.NormalizeName(name)]; ok {
		return brand, true
	}
	return name, false
}

// KnownBrand reports whether name is a catalog brand or one of its aliases.
func KnownBrand(name string) bool {
	_, ok := CanonicalBrand(name)
	return ok
}

// CanonicalModel returns the catalog spelling of a model name when one is
// known for brand.
func CanonicalModel(brand, name string) string {
	name = normaliseText(name)
	key := storage.NormalizeName(name)
	if model, ok := modelAliases[key]; ok {
		return model
	}
	for _, model := range catalog[brand] {
		if strings.EqualFold(model, name) {
			return model
		}
	}
	return name
}
