package finance

// LineItem is one statement line across the reporting periods. A nil value
// means the source did not report it; it is never coerced to zero.
type LineItem struct {
	Current *float64 `json:"current"`
	Prior   *float64 `json:"prior"`
}

// Value returns a LineItem with only the current period set.
func Value(v float64) LineItem {
	return LineItem{Current: &v}
}

// CompanyInfo labels the statement.
type CompanyInfo struct {
	Name          string `json:"name"`
	CurrentPeriod string `json:"current_period,omitempty"`
	PriorPeriod   string `json:"prior_period,omitempty"`
}

// AssetSection is the asset side of the balance sheet.
type AssetSection struct {
	Cash        LineItem `json:"cash"`
	Receivables LineItem `json:"receivables"`
	Inventory   LineItem `json:"inventory"`
	Current     LineItem `json:"current"`
	NonCurrent  LineItem `json:"non_current"`
	Total       LineItem `json:"total"`
}

// LiabilitySection is the liability side of the balance sheet.
type LiabilitySection struct {
	Current    LineItem `json:"current"`
	NonCurrent LineItem `json:"non_current"`
	Total      LineItem `json:"total"`
}

// EquitySection holds equity totals.
type EquitySection struct {
	Total LineItem `json:"total"`
}

// BalanceSheet is a point-in-time snapshot of the books.
type BalanceSheet struct {
	Assets      AssetSection     `json:"assets"`
	Liabilities LiabilitySection `json:"liabilities"`
	Equity      EquitySection    `json:"equity"`
}

// IncomeStatement covers the reporting period's performance.
type IncomeStatement struct {
	Revenue           LineItem `json:"revenue"`
	CostOfRevenue     LineItem `json:"cost_of_revenue"`
	GrossProfit       LineItem `json:"gross_profit"`
	OperatingExpenses LineItem `json:"operating_expenses"`
	OperatingIncome   LineItem `json:"operating_income"`
	NetIncome         LineItem `json:"net_income"`
}

// CashFlowStatement groups flows by activity.
type CashFlowStatement struct {
	Operating LineItem `json:"operating"`
	Investing LineItem `json:"investing"`
	Financing LineItem `json:"financing"`
	NetChange LineItem `json:"net_change"`
}

// Ratios are extracted or derived financial ratios. Nil means the ratio
// could not be computed (missing input or zero divisor).
type Ratios struct {
	Current       *float64 `json:"current_ratio"`
	Quick         *float64 `json:"quick_ratio"`
	DebtToEquity  *float64 `json:"debt_to_equity"`
	GrossMargin   *float64 `json:"gross_margin"`
	NetMargin     *float64 `json:"net_margin"`
	ROA           *float64 `json:"roa"`
	ROE           *float64 `json:"roe"`
	AssetTurnover *float64 `json:"asset_turnover"`
}

// FinancialStatement is the complete normalised snapshot of a company's
// books for up to two periods. Immutable once parsed.
type FinancialStatement struct {
	CompanyInfo CompanyInfo       `json:"company_info"`
	BalanceSheet BalanceSheet     `json:"balance_sheet"`
	Income      IncomeStatement   `json:"income_statement"`
	CashFlow    CashFlowStatement `json:"cash_flow_statement"`
	Ratios      Ratios            `json:"ratios"`

	// Confidence is the overall extraction confidence when the statement
	// came through the vision path; 1.0 for tabular sources.
	Confidence float64 `json:"confidence,omitempty"`
}
