package financial

import (
	"regexp"
	"sort"
	"strings"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// Entity kinds.
const (
	EntityPayee   = "payee"
	EntityAccount = "account"
)

var (
	payeeSuffixes = map[string]bool{
		"inc": true, "incorporated": true, "llc": true, "ltd": true, "limited": true,
		"corp": true, "corporation": true, "co": true, "company": true, "plc": true,
		"gmbh": true, "ag": true, "sa": true, "bv": true, "lp": true, "llp": true,
	}
	payeePunctRe = regexp.MustCompile(`[^\p{L}\p{N}&\s]+`)
	accountNumRe = regexp.MustCompile(`\d[\d\- ]{2,}\d`)
	nonDigitRe   = regexp.MustCompile(`\D`)
)

// NormalizePayee lowercases, strips punctuation and trailing legal-form suffixes.
func NormalizePayee(s string) string {
	s = strings.ToLower(payeePunctRe.ReplaceAllString(s, " "))
	words := strings.Fields(s)
	for len(words) > 1 && payeeSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// NormalizeAccount reduces an account cell to its digits when it carries an account number,
// and to a lowercased label otherwise.
func NormalizeAccount(s string) string {
	if m := accountNumRe.FindString(s); m != "" {
		return nonDigitRe.ReplaceAllString(m, "")
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

type entityAcc struct {
	variants    map[string]bool
	occurrences int
	cents       int64
}

// Entities deduplicates payees and accounts into normalized entities.
func Entities(l *Ledger) []domain.Entity {
	acc := map[[2]string]*entityAcc{}
	add := func(kind, raw string, cents int64, normalize func(string) string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		name := normalize(raw)
		if name == "" {
			return
		}
		k := [2]string{kind, name}
		e, ok := acc[k]
		if !ok {
			e = &entityAcc{variants: map[string]bool{}}
			acc[k] = e
		}
		e.variants[raw] = true
		e.occurrences++
		e.cents += cents
	}

	for _, tx := range l.Transactions {
		add(EntityPayee, tx.Payee, tx.Cents, NormalizePayee)
		add(EntityAccount, tx.Account, tx.Cents, NormalizeAccount)
	}

	out := make([]domain.Entity, 0, len(acc))
	for k, e := range acc {
		variants := make([]string, 0, len(e.variants))
		for v := range e.variants {
			variants = append(variants, v)
		}
		sort.Strings(variants)
		out = append(out, domain.Entity{
			Kind:        k[0],
			Name:        k[1],
			Variants:    variants,
			Occurrences: e.occurrences,
			Total:       toUnits(e.cents),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].Name < out[j].Name
	})
	return out
}
