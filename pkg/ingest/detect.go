package ingest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// DocType classifies an upload.
type DocType string

const (
	DocTransactions DocType = "transactions"
	DocFinancial    DocType = "financial_statement"
)

var financialKeywords = []string{
	"balance sheet",
	"statement of financial position",
	"income statement",
	"statement of comprehensive income",
	"cash flow",
	"total assets",
	"total liabilities",
	"shareholders' equity",
	"retained earnings",
	"قائمة المركز المالي",
	"قائمة الدخل",
}

var transactionKeywords = []string{
	"account statement",
	"statement of account",
	"transaction history",
	"available balance",
	"opening balance",
	"كشف حساب",
}

var financialFilename = regexp.MustCompile(`(?i)(balance[_\- ]?sheet|income|financial|annual|quarterly|report|statements?[_\- ]of)`)

// DetectDocumentType classifies a file as transactions or a financial
// statement from its content and filename. Deterministic and
// side-effect-free.
func DetectDocumentType(path, filename string) (DocType, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return detectPDF(path, filename)
	case ".xls", ".xlsx":
		return detectWorkbook(path, filename)
	case ".csv":
		return detectCSV(path, filename)
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// detectPDF peeks at the text of the first page.
func detectPDF(path, filename string) (DocType, string, error) {
	text := firstPageText(path)
	if text != "" {
		lower := strings.ToLower(text)
		if hits := countHits(lower, financialKeywords); hits >= 2 {
			return DocFinancial, fmt.Sprintf("first page matched %d financial-report keywords", hits), nil
		}
		if countHits(lower, transactionKeywords) >= 1 {
			return DocTransactions, "first page matched account-statement keywords", nil
		}
	}
	return detectFromFilename(filename), "filename fallback (no decisive page text)", nil
}

// firstPageText extracts first-page text; scanned PDFs yield nothing and
// fall through to the filename heuristic.
func firstPageText(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	reader, err := pdf.NewReader(f, info.Size())
	if err != nil || reader.NumPage() == 0 {
		return ""
	}

	page := reader.Page(1)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return text
}

// detectWorkbook inspects the first sheet's shape: transaction exports
// carry a recognisable header row; XBRL-style statement dumps have many
// unnamed columns plus report keywords.
func detectWorkbook(path, filename string) (DocType, string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return detectFromFilename(filename), "filename fallback (empty workbook)", nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil || len(rows) == 0 {
		return detectFromFilename(filename), "filename fallback (unreadable sheet)", nil
	}

	return classifyRows(rows, filename)
}

func detectCSV(path, filename string) (DocType, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read file: %w", err)
	}
	decoded, err := decodeText(raw)
	if err != nil {
		return detectFromFilename(filename), "filename fallback (undecodable text)", nil
	}

	var rows [][]string
	scanner := bufio.NewScanner(strings.NewReader(string(decoded)))
	for scanner.Scan() && len(rows) < headerScanLimit {
		rows = append(rows, strings.Split(scanner.Text(), ","))
	}
	if len(rows) == 0 {
		return detectFromFilename(filename), "filename fallback (empty file)", nil
	}
	return classifyRows(rows, filename)
}

func classifyRows(rows [][]string, filename string) (DocType, string, error) {
	if idx, columns := locateHeader(rows); columns != nil {
		return DocTransactions, fmt.Sprintf("header row %d matched transaction columns", idx+1), nil
	}

	unnamed := countUnnamedColumns(rows)
	keywordHits := 0
	for _, row := range rows {
		keywordHits += countHits(strings.ToLower(strings.Join(row, " ")), financialKeywords)
	}
	if unnamed >= 3 && keywordHits >= 1 || keywordHits >= 2 {
		return DocFinancial,
			fmt.Sprintf("%d unnamed columns and %d financial-report keywords", unnamed, keywordHits), nil
	}

	return detectFromFilename(filename), "filename fallback (inconclusive sheet shape)", nil
}

// countUnnamedColumns counts empty cells in the widest candidate header
// region, the shape excelize reports for XBRL-style statement exports.
func countUnnamedColumns(rows [][]string) int {
	limit := len(rows)
	if limit > 5 {
		limit = 5
	}
	best := 0
	for i := 0; i < limit; i++ {
		empty := 0
		for _, cell := range rows[i] {
			if strings.TrimSpace(cell) == "" {
				empty++
			}
		}
		if empty > best {
			best = empty
		}
	}
	return best
}

func detectFromFilename(filename string) DocType {
	if financialFilename.MatchString(filename) {
		return DocFinancial
	}
	return DocTransactions
}

func countHits(text string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	return hits
}
