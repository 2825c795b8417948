// Package ingest turns uploaded documents into domain records and indexed
// evidence: document-type detection, tabular transaction parsing,
// financial-statement extraction, and the vision path for PDFs.
package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/mizanlabs/mizan/pkg/finance"
)

const headerScanLimit = 20

// Canonical column names and their alias patterns. Matching is
// case-insensitive against a normalised header cell.
var columnAliases = map[string]*regexp.Regexp{
	"date":        regexp.MustCompile(`^(date|transaction date|trans date|value date|posting date|التاريخ)$`),
	"description": regexp.MustCompile(`^(description|details|narrative|particulars|memo|transaction details|البيان|الوصف)$`),
	"amount":      regexp.MustCompile(`^(amount|value|transaction amount|المبلغ)$`),
	"debit":       regexp.MustCompile(`^(debit|debits|withdrawal|withdrawals|dr|مدين)$`),
	"credit":      regexp.MustCompile(`^(credit|credits|deposit|deposits|cr|دائن)$`),
	"balance":     regexp.MustCompile(`^(balance|running balance|closing balance|الرصيد)$`),
	"reference":   regexp.MustCompile(`^(reference|ref|ref no|ref\.? number|cheque no|check no|المرجع)$`),
}

// Result carries parsed transactions plus parse diagnostics.
type Result struct {
	Transactions []finance.Transaction
	Dropped      int
	Warnings     []string
}

// ParseTransactions extracts transactions from a CSV or Excel file with
// format auto-detection. It fails only when zero usable rows result.
func ParseTransactions(path string) (*Result, error) {
	var records [][]string
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		records, err = readCSVRecords(path)
	case ".xls", ".xlsx":
		records, err = readExcelRecords(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	return parseRecords(records)
}

// readCSVRecords reads a CSV file, sniffing the encoding from a 1 KiB
// prefix over {utf-8, latin-1, cp1252, iso-8859-1}, first that decodes.
func readCSVRecords(path string) ([][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	decoded, err := decodeText(raw)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(decoded))
	reader.FieldsPerRecord = -1 // ragged rows are common in bank exports
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	return records, nil
}

func decodeText(raw []byte) ([]byte, error) {
	prefix := raw
	if len(prefix) > 1024 {
		prefix = prefix[:1024]
	}

	if utf8.Valid(prefix) {
		return bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF}), nil
	}

	// latin-1 and iso-8859-1 are the same charmap; trying it once covers both.
	for _, cm := range []*charmap.Charmap{charmap.ISO8859_1, charmap.Windows1252} {
		decoder := cm.NewDecoder()
		if _, err := decoder.Bytes(prefix); err != nil {
			continue
		}
		decoded, err := decodeFull(decoder, raw)
		if err == nil {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("%w: unrecognised text encoding", ErrParseFailed)
}

func decodeFull(decoder *encoding.Decoder, raw []byte) ([]byte, error) {
	return decoder.Bytes(raw)
}

// readExcelRecords flattens the first sheet into string records.
func readExcelRecords(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrParseFailed)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet: %w", err)
	}
	return rows, nil
}

// parseRecords is the shared CSV/Excel pipeline: locate the header, map
// columns through the alias table, then convert each data row.
func parseRecords(records [][]string) (*Result, error) {
	headerIdx, columns := locateHeader(records)
	if columns == nil {
		return nil, fmt.Errorf("%w: no recognisable header row", ErrParseFailed)
	}

	result := &Result{}
	for _, row := range records[headerIdx+1:] {
		txn, ok := parseRow(row, columns)
		if !ok {
			// footer, summary, or malformed row
			if rowHasContent(row) {
				result.Dropped++
			}
			continue
		}
		result.Transactions = append(result.Transactions, txn)
	}

	if len(result.Transactions) == 0 {
		return nil, fmt.Errorf("%w: %d rows dropped", ErrParseFailed, result.Dropped)
	}
	if result.Dropped > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d rows dropped (unparseable date or amount)", result.Dropped))
	}
	return result, nil
}

// locateHeader finds the header row within the first 20 rows by counting
// alias matches; a row needs at least a date column and one amount-bearing
// column to qualify.
func locateHeader(records [][]string) (int, map[string]int) {
	limit := len(records)
	if limit > headerScanLimit {
		limit = headerScanLimit
	}

	bestIdx, bestScore := -1, 0
	var bestColumns map[string]int

	for i := 0; i < limit; i++ {
		columns := mapColumns(records[i])
		score := len(columns)
		_, hasDate := columns["date"]
		_, hasAmount := columns["amount"]
		_, hasDebit := columns["debit"]
		_, hasCredit := columns["credit"]
		if !hasDate || !(hasAmount || hasDebit || hasCredit) {
			continue
		}
		if score > bestScore {
			bestIdx, bestScore, bestColumns = i, score, columns
		}
	}
	return bestIdx, bestColumns
}

func mapColumns(row []string) map[string]int {
	columns := make(map[string]int)
	for i, cell := range row {
		name := normaliseHeader(cell)
		for canonical, pattern := range columnAliases {
			if _, taken := columns[canonical]; taken {
				continue
			}
			if pattern.MatchString(name) {
				columns[canonical] = i
			}
		}
	}
	return columns
}

func normaliseHeader(cell string) string {
	s := strings.ToLower(strings.TrimSpace(cell))
	s = strings.Trim(s, ":*")
	return strings.Join(strings.Fields(s), " ")
}

// parseRow converts one data row. Rows with no valid date or no valid
// amount are rejected.
func parseRow(row []string, columns map[string]int) (finance.Transaction, bool) {
	cell := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	date, ok := parseDate(cell("date"))
	if !ok {
		return finance.Transaction{}, false
	}

	amount, kind, ok := resolveAmount(cell("debit"), cell("credit"), cell("amount"))
	if !ok {
		return finance.Transaction{}, false
	}

	txn := finance.Transaction{
		Date:        date,
		Description: cell("description"),
		Amount:      amount,
		Kind:        kind,
		Reference:   cell("reference"),
	}
	txn.Category = Categorize(txn.Description, kind)

	if balance, ok := parseAmount(cell("balance")); ok {
		txn.Balance = &balance
	}

	return txn, true
}

// resolveAmount applies the amount/kind precedence: a positive debit
// column wins, then a positive credit column, then the sign of a single
// amount column.
func resolveAmount(debitCell, creditCell, amountCell string) (float64, finance.Kind, bool) {
	if debit, ok := parseAmount(debitCell); ok && debit > 0 {
		return debit, finance.KindDebit, true
	}
	if credit, ok := parseAmount(creditCell); ok && credit > 0 {
		return credit, finance.KindCredit, true
	}
	if amount, ok := parseAmount(amountCell); ok {
		if amount < 0 {
			return -amount, finance.KindDebit, true
		}
		return amount, finance.KindCredit, true
	}
	return 0, finance.KindUnknown, false
}

// currencyTokens are stripped before numeric parsing. Saudi exports mix
// Latin and Arabic currency markers.
var currencyTokens = []string{"SAR", "SR", "ر.س", "﷼", "$", "€", "£", "USD", "AED"}

// parseAmount parses a numeric cell, stripping currency symbols and
// thousands separators. Parenthesised values are negative.
func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(asciiDigits(s))
	if s == "" {
		return 0, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	for _, token := range currencyTokens {
		s = strings.ReplaceAll(s, token, "")
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "٬", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimSpace(s)

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		v = -v
	}
	return v, true
}

func rowHasContent(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return true
		}
	}
	return false
}
