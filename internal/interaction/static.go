package interaction

import (
	"context"
	"strings"
)

// StaticSource is an in-memory symmetric interaction table. Drug names match
// case-insensitively.
type StaticSource struct {
	table map[[2]string]Interaction
}

// NewStaticSource builds a table from entries
func NewStaticSource(entries ...Interaction) *StaticSource {
	s := &StaticSource{table: make(map[[2]string]Interaction, len(entries))}
	for _, e := range entries {
		s.table[pairKey(e.DrugA, e.DrugB)] = e
	}
	return s
}

// Lookup implements Source
func (s *StaticSource) Lookup(ctx context.Context, drugA, drugB string) (*Interaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hit, ok := s.table[pairKey(drugA, drugB)]
	if !ok {
		return nil, nil
	}
	hit.DrugA, hit.DrugB = drugA, drugB
	return &hit, nil
}

// Len returns the number of known pairs
func (s *StaticSource) Len() int {
	return len(s.table)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func pairKey(a, b string) [2]string {
	a, b = normalize(a), normalize(b)
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// PlaceholderTable is a small set of well-known interactions. It is not a
// pharmacological reference.
func PlaceholderTable() []Interaction {
	return []Interaction{
		{DrugA: "warfarin", DrugB: "aspirin", Severity: SeverityMajor,
			Description: "Increased risk of bleeding"},
		{DrugA: "warfarin", DrugB: "ibuprofen", Severity: SeverityMajor,
			Description: "Increased risk of gastrointestinal bleeding"},
		{DrugA: "sildenafil", DrugB: "nitroglycerin", Severity: SeverityContraindicated,
			Description: "Severe hypotension"},
		{DrugA: "simvastatin", DrugB: "clarithromycin", Severity: SeverityContraindicated,
			Description: "Raised statin exposure, risk of rhabdomyolysis"},
		{DrugA: "lisinopril", DrugB: "spironolactone", Severity: SeverityModerate,
			Description: "Risk of hyperkalemia"},
		{DrugA: "fluoxetine", DrugB: "tramadol", Severity: SeverityMajor,
			Description: "Risk of serotonin syndrome"},
		{DrugA: "methotrexate", DrugB: "trimethoprim", Severity: SeverityMajor,
			Description: "Bone marrow suppression"},
	}
}
