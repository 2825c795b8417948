package finance

import "math"

// totalTolerance is the allowed drift between a reported total and the sum
// of its components.
const totalTolerance = 0.01

// Div divides pointers, returning nil when either side is missing or the
// divisor is zero. Ratios are never infinity.
func Div(num, den *float64) *float64 {
	if num == nil || den == nil || *den == 0 {
		return nil
	}
	v := *num / *den
	return &v
}

// Sub subtracts pointers, nil-propagating.
func Sub(a, b *float64) *float64 {
	if a == nil || b == nil {
		return nil
	}
	v := *a - *b
	return &v
}

// DeriveRatios fills any ratios the source did not report from the
// statement's current-period figures. Extracted ratios win over derived
// ones.
func (fs *FinancialStatement) DeriveRatios() {
	bs := &fs.BalanceSheet
	is := &fs.Income

	if fs.Ratios.Current == nil {
		fs.Ratios.Current = Div(bs.Assets.Current.Current, bs.Liabilities.Current.Current)
	}
	if fs.Ratios.Quick == nil {
		quickAssets := bs.Assets.Current.Current
		if bs.Assets.Inventory.Current != nil {
			quickAssets = Sub(quickAssets, bs.Assets.Inventory.Current)
		}
		fs.Ratios.Quick = Div(quickAssets, bs.Liabilities.Current.Current)
	}
	if fs.Ratios.DebtToEquity == nil {
		fs.Ratios.DebtToEquity = Div(bs.Liabilities.Total.Current, bs.Equity.Total.Current)
	}
	if fs.Ratios.GrossMargin == nil {
		gross := is.GrossProfit.Current
		if gross == nil {
			gross = Sub(is.Revenue.Current, is.CostOfRevenue.Current)
		}
		fs.Ratios.GrossMargin = Div(gross, is.Revenue.Current)
	}
	if fs.Ratios.NetMargin == nil {
		fs.Ratios.NetMargin = Div(is.NetIncome.Current, is.Revenue.Current)
	}
	if fs.Ratios.ROA == nil {
		fs.Ratios.ROA = Div(is.NetIncome.Current, bs.Assets.Total.Current)
	}
	if fs.Ratios.ROE == nil {
		fs.Ratios.ROE = Div(is.NetIncome.Current, bs.Equity.Total.Current)
	}
	if fs.Ratios.AssetTurnover == nil {
		fs.Ratios.AssetTurnover = Div(is.Revenue.Current, bs.Assets.Total.Current)
	}
}

// ReconcileTotals fills missing totals from their components and reports
// whether every reported total agrees with its components within the
// tolerance.
func (fs *FinancialStatement) ReconcileTotals() bool {
	ok := true
	ok = reconcile(&fs.BalanceSheet.Assets.Total.Current,
		fs.BalanceSheet.Assets.Current.Current, fs.BalanceSheet.Assets.NonCurrent.Current) && ok
	ok = reconcile(&fs.BalanceSheet.Liabilities.Total.Current,
		fs.BalanceSheet.Liabilities.Current.Current, fs.BalanceSheet.Liabilities.NonCurrent.Current) && ok
	ok = reconcile(&fs.BalanceSheet.Assets.Total.Prior,
		fs.BalanceSheet.Assets.Current.Prior, fs.BalanceSheet.Assets.NonCurrent.Prior) && ok
	ok = reconcile(&fs.BalanceSheet.Liabilities.Total.Prior,
		fs.BalanceSheet.Liabilities.Current.Prior, fs.BalanceSheet.Liabilities.NonCurrent.Prior) && ok
	return ok
}

// reconcile checks total == sum(parts) within tolerance, filling a missing
// total when all parts are present.
func reconcile(total **float64, parts ...*float64) bool {
	sum := 0.0
	for _, p := range parts {
		if p == nil {
			return true // cannot reconcile with missing components
		}
		sum += *p
	}

	if *total == nil {
		v := sum
		*total = &v
		return true
	}
	return math.Abs(**total-sum) <= totalTolerance
}
