package financial

import (
	"fmt"
	"math"
	"sort"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// unassigned is the per-account key for transactions without an account cell.
const unassigned = "(unassigned)"

// Reconcile recomputes every declared total and flags those off by more than toleranceCents.
//
// A grand total covers every transaction above it. An account-scoped subtotal covers that
// account's transactions since its previous subtotal; an unscoped subtotal covers all
// transactions since the previous unscoped subtotal.
func Reconcile(l *Ledger, toleranceCents int64) (domain.FinancialTotals, []domain.AnomalyFlag) {
	totals := domain.FinancialTotals{
		TransactionCount: len(l.Transactions),
		PerAccount:       map[string]float64{},
		Declared:         []domain.DeclaredTotal{},
	}

	perAccount := map[string]*centsSum{}
	var grand centsSum
	for _, tx := range l.Transactions {
		grand.add(tx.Cents)
		sumFor(perAccount, accountKey(tx.Account)).add(tx.Cents)
	}
	totals.ComputedTotal = toUnits(grand.v)
	for k, v := range perAccount {
		totals.PerAccount[k] = toUnits(v.v)
	}

	// Walk rows in sheet order so each total sees only what precedes it.
	type event struct {
		line  int
		tx    *Transaction
		total *TotalRow
	}
	events := make([]event, 0, len(l.Transactions)+len(l.Totals))
	for i := range l.Transactions {
		events = append(events, event{line: l.Transactions[i].Line, tx: &l.Transactions[i]})
	}
	for i := range l.Totals {
		events = append(events, event{line: l.Totals[i].Line, total: &l.Totals[i]})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].line < events[j].line })

	var flags []domain.AnomalyFlag
	var running, all centsSum
	accountRunning := map[string]*centsSum{}
	for _, ev := range events {
		if ev.tx != nil {
			running.add(ev.tx.Cents)
			all.add(ev.tx.Cents)
			sumFor(accountRunning, accountKey(ev.tx.Account)).add(ev.tx.Cents)
			continue
		}

		t := ev.total
		var computed centsSum
		switch {
		case t.Grand:
			computed = all
		case t.Account != "":
			acc := sumFor(accountRunning, accountKey(t.Account))
			computed = *acc
			*acc = centsSum{}
		default:
			computed = running
			running = centsSum{}
		}

		if computed.overflow {
			totals.Declared = append(totals.Declared, domain.DeclaredTotal{
				Label:    t.Label,
				Line:     t.Line,
				Account:  t.Account,
				Declared: toUnits(t.Cents),
				Computed: toUnits(computed.v),
			})
			flags = append(flags, domain.AnomalyFlag{
				Kind:         domain.AnomalyTotalsMismatch,
				Severity:     domain.SeverityCritical,
				EvidenceRefs: []string{fmt.Sprintf("row:%d", t.Line)},
				Detail:       fmt.Sprintf("%q declares %s but its rows sum beyond the representable range", t.Label, FormatCents(t.Cents)),
			})
			continue
		}

		diff, ok := addCents(t.Cents, -computed.v)
		if !ok || diff == math.MinInt64 {
			diff = math.MaxInt64
		}
		diff = abs(diff)
		matches := diff <= toleranceCents
		totals.Declared = append(totals.Declared, domain.DeclaredTotal{
			Label:    t.Label,
			Line:     t.Line,
			Account:  t.Account,
			Declared: toUnits(t.Cents),
			Computed: toUnits(computed.v),
			Matches:  matches,
		})
		if !matches {
			flags = append(flags, domain.AnomalyFlag{
				Kind:         domain.AnomalyTotalsMismatch,
				Severity:     domain.SeverityCritical,
				EvidenceRefs: []string{fmt.Sprintf("row:%d", t.Line)},
				Score:        toUnits(diff),
				Detail: fmt.Sprintf("%q declares %s but rows sum to %s (off by %s)",
					t.Label, FormatCents(t.Cents), FormatCents(computed.v), FormatCents(diff)),
			})
		}
	}
	return totals, flags
}

// Outliers flags transactions whose amount is more than zThreshold sample standard
// deviations from their account's mean. Accounts with fewer than minPopulation
// transactions are skipped, and minPopulation is raised to ScorablePopulation(zThreshold).
func Outliers(l *Ledger, zThreshold float64, minPopulation int) []domain.AnomalyFlag {
	minPopulation = max(minPopulation, ScorablePopulation(zThreshold))
	byAccount := map[string][]Transaction{}
	for _, tx := range l.Transactions {
		k := accountKey(tx.Account)
		byAccount[k] = append(byAccount[k], tx)
	}

	accounts := make([]string, 0, len(byAccount))
	for k := range byAccount {
		accounts = append(accounts, k)
	}
	sort.Strings(accounts)

	var flags []domain.AnomalyFlag
	for _, account := range accounts {
		txs := byAccount[account]
		if len(txs) < minPopulation || len(txs) < 2 {
			continue
		}

		var sum float64
		for _, tx := range txs {
			sum += float64(tx.Cents)
		}
		mean := sum / float64(len(txs))
		var ss float64
		for _, tx := range txs {
			d := float64(tx.Cents) - mean
			ss += d * d
		}
		std := math.Sqrt(ss / float64(len(txs)-1))
		if std == 0 {
			continue
		}

		for _, tx := range txs {
			z := (float64(tx.Cents) - mean) / std
			if math.Abs(z) <= zThreshold {
				continue
			}
			flags = append(flags, domain.AnomalyFlag{
				Kind:         domain.AnomalyAmountOutlier,
				Severity:     domain.SeverityWarning,
				EvidenceRefs: []string{fmt.Sprintf("row:%d", tx.Line)},
				Score:        math.Abs(z),
				Detail: fmt.Sprintf("amount %s in account %s is %.1f standard deviations from the mean %s",
					FormatCents(tx.Cents), account, z, FormatCents(int64(math.Round(mean)))),
			})
		}
	}
	return flags
}

func accountKey(account string) string {
	if account == "" {
		return unassigned
	}
	return account
}

// ScorablePopulation is the smallest sample in which a single value can lie more than z
// sample standard deviations from the mean. In n values no |z| exceeds (n-1)/sqrt(n).
func ScorablePopulation(z float64) int {
	r := (z + math.Sqrt(z*z+4)) / 2
	return int(math.Floor(r*r)) + 1
}

// centsSum accumulates cents and remembers whether it ever left the int64 range.
type centsSum struct {
	v        int64
	overflow bool
}

func (s *centsSum) add(c int64) {
	r, ok := addCents(s.v, c)
	if !ok {
		s.overflow = true
		return
	}
	s.v = r
}

func sumFor(sums map[string]*centsSum, key string) *centsSum {
	s, ok := sums[key]
	if !ok {
		s = &centsSum{}
		sums[key] = s
	}
	return s
}

// addCents adds b to a and reports false when the result would leave the int64 range.
func addCents(a, b int64) (int64, bool) {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		return a, false
	}
	return r, true
}

func toUnits(cents int64) float64 {
	return float64(cents) / 100
}
