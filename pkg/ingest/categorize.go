package ingest

import (
	"strings"

	"github.com/mizanlabs/mizan/pkg/finance"
)

// categoryRules maps description tokens to a spending category. First
// match wins; rules are ordered from specific to generic.
var categoryRules = []struct {
	category string
	tokens   []string
}{
	{"fees", []string{"fee", "charge", "penalty", "commission", "vat on fee", "رسوم"}},
	{"salary", []string{"salary", "payroll", "wages", "راتب"}},
	{"groceries", []string{"grocery", "supermarket", "hypermarket", "panda", "danube", "tamimi", "walmart", "carrefour", "lulu"}},
	{"utilities", []string{"electric", "water bill", "sewage", "utility", "كهرباء", "stc", "mobily", "zain", "internet"}},
	{"dining", []string{"restaurant", "cafe", "coffee", "mcdonald", "kfc", "hungerstation", "jahez", "مطعم"}},
	{"transport", []string{"fuel", "petrol", "gas station", "aldrees", "uber", "careem", "parking"}},
	{"shopping", []string{"amazon", "noon", "mall", "store", "retail", "extra", "jarir"}},
	{"health", []string{"pharmacy", "hospital", "clinic", "nahdi", "dawaa", "صيدلية"}},
	{"cash", []string{"atm", "cash withdrawal", "صراف"}},
	{"transfer", []string{"transfer", "sarie", "western union", "remittance", "حوالة"}},
	{"rent", []string{"rent", "lease", "ejar", "إيجار"}},
}

// Categorize assigns a coarse category from the description. Credits with
// no other signal default to income; unmatched debits stay uncategorised.
func Categorize(description string, kind finance.Kind) string {
	desc := strings.ToLower(description)
	for _, rule := range categoryRules {
		for _, token := range rule.tokens {
			if strings.Contains(desc, token) {
				return rule.category
			}
		}
	}
	if kind == finance.KindCredit {
		return "income"
	}
	return ""
}
