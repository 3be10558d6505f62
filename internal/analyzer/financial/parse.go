package financial

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Transaction is one typed ledger row. Amounts are integer cents.
type Transaction struct {
	Line    int
	Date    *time.Time
	Payee   string
	Account string
	Cents   int64
}

// TotalRow is a declared subtotal or grand total.
type TotalRow struct {
	Line    int
	Label   string
	Account string
	Cents   int64
	Grand   bool
}

// Ledger is a parsed spreadsheet.
type Ledger struct {
	Transactions []Transaction
	Totals       []TotalRow
	// Skipped counts rows whose amount cell could not be parsed.
	Skipped int
}

type columns struct {
	date, payee, account, amount, debit, credit int
}

var (
	headerNames = map[string][]string{
		"date":    {"date", "transaction date", "posted", "posting date", "value date", "booking date"},
		"payee":   {"payee", "vendor", "merchant", "counterparty", "description", "name", "memo", "supplier"},
		"account": {"account", "acct", "account number", "account no", "gl account", "gl", "category", "cost center"},
		"amount":  {"amount", "amt", "value", "net amount", "sum"},
		"debit":   {"debit", "withdrawal", "out"},
		"credit":  {"credit", "deposit", "in"},
	}

	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"1/2/2006",
		"01-02-2006",
		"02.01.2006",
		"2.1.2006",
		"Jan 2, 2006",
		"2 Jan 2006",
		"02-Jan-2006",
		"01-02-06",
		"1/2/06",
		time.RFC3339,
		"2006-01-02 15:04:05",
	}

	subtotalRe = regexp.MustCompile(`(?i)^\s*sub\s*-?\s*totals?\b`)
	totalRe    = regexp.MustCompile(`(?i)^\s*(grand\s+)?totals?\b`)
)

// headerScanRows is how far down a sheet the header row is searched for.
const headerScanRows = 10

func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ":#.")
	return strings.Join(strings.Fields(s), " ")
}

// detectColumns finds the header row and maps column roles. It returns the header index or -1.
func detectColumns(rows [][]string) (columns, int) {
	for i := 0; i < len(rows) && i < headerScanRows; i++ {
		cols := columns{date: -1, payee: -1, account: -1, amount: -1, debit: -1, credit: -1}
		for j, cell := range rows[i] {
			h := normalizeHeader(cell)
			for role, names := range headerNames {
				for _, n := range names {
					if h != n {
						continue
					}
					switch role {
					case "date":
						setOnce(&cols.date, j)
					case "payee":
						setOnce(&cols.payee, j)
					case "account":
						setOnce(&cols.account, j)
					case "amount":
						setOnce(&cols.amount, j)
					case "debit":
						setOnce(&cols.debit, j)
					case "credit":
						setOnce(&cols.credit, j)
					}
				}
			}
		}
		if cols.amount >= 0 || (cols.debit >= 0 && cols.credit >= 0) {
			return cols, i
		}
	}
	return columns{}, -1
}

func setOnce(dst *int, v int) {
	if *dst < 0 {
		*dst = v
	}
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ParseRows types a sheet. Rows above the header are ignored.
func ParseRows(rows [][]string) (*Ledger, error) {
	cols, header := detectColumns(rows)
	if header < 0 {
		return nil, fmt.Errorf("no amount column found in the first %d rows", headerScanRows)
	}

	l := &Ledger{}
	for i := header + 1; i < len(rows); i++ {
		row := rows[i]
		line := i + 1

		cents, ok, err := rowAmount(row, cols)
		if err != nil {
			l.Skipped++
			continue
		}
		if !ok {
			continue
		}

		dateCell := cell(row, cols.date)
		var date *time.Time
		if t, ok := ParseDate(dateCell); ok {
			date = &t
		}

		if date == nil {
			if label, grand, isTotal := totalLabel(row, cols); isTotal {
				l.Totals = append(l.Totals, TotalRow{
					Line:    line,
					Label:   label,
					Account: cell(row, cols.account),
					Cents:   cents,
					Grand:   grand,
				})
				continue
			}
		}

		l.Transactions = append(l.Transactions, Transaction{
			Line:    line,
			Date:    date,
			Payee:   cell(row, cols.payee),
			Account: cell(row, cols.account),
			Cents:   cents,
		})
	}
	return l, nil
}

func rowAmount(row []string, cols columns) (int64, bool, error) {
	if cols.amount >= 0 {
		raw := cell(row, cols.amount)
		if raw == "" {
			return 0, false, nil
		}
		c, err := ParseCents(raw)
		return c, err == nil, err
	}

	debitRaw, creditRaw := cell(row, cols.debit), cell(row, cols.credit)
	if debitRaw == "" && creditRaw == "" {
		return 0, false, nil
	}
	var debit, credit int64
	var err error
	if debitRaw != "" {
		if debit, err = ParseCents(debitRaw); err != nil {
			return 0, false, err
		}
	}
	if creditRaw != "" {
		if credit, err = ParseCents(creditRaw); err != nil {
			return 0, false, err
		}
	}
	return credit - abs(debit), true, nil
}

// totalLabel reports whether any text cell of the row is a total label.
func totalLabel(row []string, cols columns) (string, bool, bool) {
	for j := range row {
		if j == cols.amount || j == cols.debit || j == cols.credit {
			continue
		}
		c := cell(row, j)
		if subtotalRe.MatchString(c) {
			return c, false, true
		}
		if totalRe.MatchString(c) {
			return c, true, true
		}
	}
	return "", false, false
}

// MaxAmountCents bounds the magnitude of a single parsed amount.
const MaxAmountCents int64 = 1e17

// ParseCents parses a currency amount into integer cents. It accepts currency symbols and
// codes, thousands separators, and negatives written as a minus sign, parentheses or a
// trailing minus. More than two decimals are rounded half away from zero. Amounts above
// MaxAmountCents are rejected.
func ParseCents(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	for _, code := range []string{"USD", "EUR", "GBP", "CHF", "CAD", "AUD"} {
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSuffix(s, code), code))
	}
	s = strings.TrimLeft(s, "$€£¥ ")
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	} else if strings.HasSuffix(s, "-") {
		neg = !neg
		s = s[:len(s)-1]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	s = strings.TrimLeft(s, "$€£¥ ")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if whole == "" {
		whole = "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if units > MaxAmountCents/100 {
		return 0, fmt.Errorf("amount %q out of range", raw)
	}

	var cents int64
	switch {
	case len(frac) == 0:
	case len(frac) == 1:
		cents = int64(frac[0]-'0') * 10
	default:
		cents = int64(frac[0]-'0')*10 + int64(frac[1]-'0')
		if len(frac) > 2 && frac[2] >= '5' {
			cents++
		}
	}

	total := units*100 + cents
	if total > MaxAmountCents {
		return 0, fmt.Errorf("amount %q out of range", raw)
	}
	if neg {
		total = -total
	}
	return total, nil
}

// ParseDate tries the common ledger date layouts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// FormatCents renders cents as a decimal string.
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}
