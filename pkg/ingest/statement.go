package ingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mizanlabs/mizan/pkg/finance"
)

// lineRule binds a statement-line label pattern to its slot in the
// normalised statement. Order matters: "total current assets" must match
// before the bare "total assets".
type lineRule struct {
	pattern *regexp.Regexp
	assign  func(*finance.FinancialStatement, finance.LineItem)
}

var lineRules = []lineRule{
	{regexp.MustCompile(`total current assets`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Assets.Current = li }},
	{regexp.MustCompile(`total non.?current assets`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Assets.NonCurrent = li }},
	{regexp.MustCompile(`total assets`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Assets.Total = li }},
	{regexp.MustCompile(`cash and cash equivalents|^cash$`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Assets.Cash = li }},
	{regexp.MustCompile(`inventor(y|ies)`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Assets.Inventory = li }},
	{regexp.MustCompile(`(accounts|trade) receivables?`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Assets.Receivables = li }},
	{regexp.MustCompile(`total current liabilities`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Liabilities.Current = li }},
	{regexp.MustCompile(`total non.?current liabilities`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Liabilities.NonCurrent = li }},
	{regexp.MustCompile(`total liabilities$`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Liabilities.Total = li }},
	{regexp.MustCompile(`total (shareholders.? )?equity`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.BalanceSheet.Equity.Total = li }},
	{regexp.MustCompile(`^(net )?(revenue|sales)s?$|^net sales$`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Income.Revenue = li }},
	{regexp.MustCompile(`cost of (revenue|sales|goods sold)`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Income.CostOfRevenue = li }},
	{regexp.MustCompile(`gross profit`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Income.GrossProfit = li }},
	{regexp.MustCompile(`(total )?operating expenses`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Income.OperatingExpenses = li }},
	{regexp.MustCompile(`operating (income|profit)`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Income.OperatingIncome = li }},
	{regexp.MustCompile(`net (income|profit)|profit for the (year|period)`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Income.NetIncome = li }},
	{regexp.MustCompile(`operating activities`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.CashFlow.Operating = li }},
	{regexp.MustCompile(`investing activities`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.CashFlow.Investing = li }},
	{regexp.MustCompile(`financing activities`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.CashFlow.Financing = li }},
	{regexp.MustCompile(`net (change|increase|decrease).*cash`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.CashFlow.NetChange = li }},
	{regexp.MustCompile(`current ratio`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Ratios.Current = li.Current }},
	{regexp.MustCompile(`quick ratio`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Ratios.Quick = li.Current }},
	{regexp.MustCompile(`debt.to.equity`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Ratios.DebtToEquity = li.Current }},
	{regexp.MustCompile(`net (profit )?margin`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Ratios.NetMargin = li.Current }},
	{regexp.MustCompile(`return on assets`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Ratios.ROA = li.Current }},
	{regexp.MustCompile(`return on equity`), func(fs *finance.FinancialStatement, li finance.LineItem) { fs.Ratios.ROE = li.Current }},
}

// ParseStatementWorkbook extracts a financial statement from an
// XBRL-style Excel export: label cells followed by current/prior numeric
// columns, section headers carried in the label column.
func ParseStatementWorkbook(path string) (*finance.FinancialStatement, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	var all [][]string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		all = append(all, rows...)
	}
	return parseStatementRows(all)
}

// ParseStatementCSV handles the same label/value shape exported as CSV.
func ParseStatementCSV(path string) (*finance.FinancialStatement, error) {
	records, err := readCSVRecords(path)
	if err != nil {
		return nil, err
	}
	return parseStatementRows(records)
}

func parseStatementRows(rows [][]string) (*finance.FinancialStatement, error) {
	fs := &finance.FinancialStatement{Confidence: 1.0}
	assigned := make(map[int]bool)
	lines := 0

	for _, row := range rows {
		label, item, ok := splitLabelRow(row)
		if !ok {
			if fs.CompanyInfo.Name == "" {
				fs.CompanyInfo.Name = companyNameCandidate(row)
			}
			continue
		}
		for i, rule := range lineRules {
			if assigned[i] || !rule.pattern.MatchString(label) {
				continue
			}
			rule.assign(fs, item)
			assigned[i] = true
			lines++
			break
		}
	}

	if lines == 0 {
		return nil, fmt.Errorf("%w: no statement lines recognised", ErrParseFailed)
	}

	fs.ReconcileTotals()
	fs.DeriveRatios()
	return fs, nil
}

// splitLabelRow pulls the first text cell as the label and the first two
// numeric cells after it as current/prior values.
func splitLabelRow(row []string) (string, finance.LineItem, bool) {
	label := ""
	var values []float64
	for _, cell := range row {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		if v, ok := parseAmount(cell); ok {
			if label != "" && len(values) < 2 {
				values = append(values, v)
			}
			continue
		}
		if label == "" {
			label = strings.ToLower(cell)
		}
	}

	if label == "" || len(values) == 0 {
		return "", finance.LineItem{}, false
	}

	item := finance.LineItem{Current: &values[0]}
	if len(values) > 1 {
		item.Prior = &values[1]
	}
	return label, item, true
}

// companyNameCandidate treats an early all-text row as a possible company
// name header.
func companyNameCandidate(row []string) string {
	for _, cell := range row {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		if _, numeric := parseAmount(cell); numeric {
			return ""
		}
		lower := strings.ToLower(cell)
		if countHits(lower, financialKeywords) > 0 || strings.Contains(lower, "period") {
			return ""
		}
		return cell
	}
	return ""
}
