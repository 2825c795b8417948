package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"log/slog"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/gen2brain/go-fitz"

	"github.com/mizanlabs/mizan/pkg/finance"
	"github.com/mizanlabs/mizan/pkg/llm"
)

// renderDPI balances legibility for the vision model against request size.
const renderDPI = 200

const transactionVisionPrompt = `You are reading one page of a bank account statement image.
Extract every transaction row you can see into JSON with this exact shape:

{"transactions": [{"date": "YYYY-MM-DD", "description": "...", "amount": 123.45, "type": "debit" or "credit", "balance": 456.78, "reference": "..."}]}

Rules:
- Output ONLY the JSON object, no prose and no markdown fences.
- amount is always a positive number; type carries the direction.
- Use null for any value you cannot read. Never use "-" or "N/A".
- Skip header, footer, and summary rows.`

const statementVisionPrompt = `You are reading one page of a corporate financial statement image.
Extract the figures you can see into JSON with this exact shape:

{"company_info": {"name": "...", "current_period": "...", "prior_period": "..."},
 "balance_sheet": {"assets": {"cash": {"current": 0, "prior": 0}, "receivables": {}, "inventory": {}, "current": {}, "non_current": {}, "total": {}},
                   "liabilities": {"current": {}, "non_current": {}, "total": {}},
                   "equity": {"total": {}}},
 "income_statement": {"revenue": {}, "cost_of_revenue": {}, "gross_profit": {}, "operating_expenses": {}, "operating_income": {}, "net_income": {}},
 "cash_flow_statement": {"operating": {}, "investing": {}, "financing": {}, "net_change": {}},
 "confidence": 0.9}

Rules:
- Output ONLY the JSON object, no prose and no markdown fences.
- Every figure is {"current": number, "prior": number}; use null for anything not on this page. Never use "-" or "N/A".
- confidence is your 0-1 estimate of how reliably you read this page.`

const retryPrompt = `Your previous answer was not valid JSON. Answer again with ONLY the JSON object described before. No explanation, no markdown.`

// VisionProcessor extracts structured data from scanned or image-based
// PDFs by rasterising pages and asking the vision model for JSON.
type VisionProcessor struct {
	gateway llm.Gateway
	model   string
	logger  *slog.Logger
}

func NewVisionProcessor(gateway llm.Gateway, model string, logger *slog.Logger) *VisionProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisionProcessor{gateway: gateway, model: model, logger: logger}
}

// ExtractTransactions runs the vision path over every page of a PDF
// account statement and merges the per-page rows.
func (v *VisionProcessor) ExtractTransactions(ctx context.Context, path string) (*Result, error) {
	pages, err := renderPages(path)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for i, img := range pages {
		var page struct {
			Transactions []visionTxn `json:"transactions"`
		}
		if err := v.extractPage(ctx, transactionVisionPrompt, img, &page); err != nil {
			result.Dropped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("page %d skipped: %v", i+1, err))
			v.logger.Warn("vision page extraction failed", "page", i+1, "error", err)
			continue
		}
		for _, vt := range page.Transactions {
			txn, ok := vt.toTransaction()
			if !ok {
				result.Dropped++
				continue
			}
			result.Transactions = append(result.Transactions, txn)
		}
	}

	if len(result.Transactions) == 0 {
		return nil, fmt.Errorf("%w: vision extraction yielded no transactions", ErrParseFailed)
	}
	return result, nil
}

// ExtractStatement runs the vision path over a PDF financial report.
// Pages are merged first-value-wins; confidence averages the per-page
// estimates.
func (v *VisionProcessor) ExtractStatement(ctx context.Context, path string) (*finance.FinancialStatement, error) {
	pages, err := renderPages(path)
	if err != nil {
		return nil, err
	}

	merged := &finance.FinancialStatement{}
	var confidences []float64
	extracted := false

	for i, img := range pages {
		var page visionStatement
		if err := v.extractPage(ctx, statementVisionPrompt, img, &page); err != nil {
			v.logger.Warn("vision page extraction failed", "page", i+1, "error", err)
			continue
		}
		page.mergeInto(merged)
		extracted = true
		if page.Confidence > 0 {
			confidences = append(confidences, page.Confidence)
		}
	}

	if !extracted {
		return nil, fmt.Errorf("%w: vision extraction yielded no statement data", ErrParseFailed)
	}

	merged.Confidence = 0.6 // model gave no estimate
	if len(confidences) > 0 {
		sum := 0.0
		for _, c := range confidences {
			sum += c
		}
		merged.Confidence = sum / float64(len(confidences))
	}

	merged.ReconcileTotals()
	merged.DeriveRatios()
	return merged, nil
}

// extractPage sends one rendered page to the vision model and decodes the
// JSON answer, re-prompting once if the first answer cannot be parsed
// even after repair.
func (v *VisionProcessor) extractPage(ctx context.Context, prompt string, image []byte, target any) error {
	req := llm.GenerateRequest{
		Model:       v.model,
		Prompt:      prompt,
		Temperature: 0.1,
		MaxTokens:   8192,
		Images:      [][]byte{image},
	}

	res, err := v.gateway.Generate(ctx, req)
	if err != nil {
		return err
	}
	if decodeVisionJSON(res.Text, target) == nil {
		return nil
	}

	req.Prompt = prompt + "\n\n" + retryPrompt
	res, err = v.gateway.Generate(ctx, req)
	if err != nil {
		return err
	}
	if err := decodeVisionJSON(res.Text, target); err != nil {
		return fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	return nil
}

// decodeVisionJSON strips markdown fences, then tries a straight
// unmarshal before falling back to json-repair.
func decodeVisionJSON(text string, target any) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if err := json.Unmarshal([]byte(text), target); err == nil {
		return nil
	}

	repaired, err := jsonrepair.RepairJSON(text)
	if err != nil {
		return fmt.Errorf("failed to repair model output: %w", err)
	}
	return json.Unmarshal([]byte(repaired), target)
}

// renderPages rasterises every PDF page to PNG.
func renderPages(path string) ([][]byte, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer doc.Close()

	var pages [][]byte
	for n := 0; n < doc.NumPage(); n++ {
		img, err := doc.ImageDPI(n, renderDPI)
		if err != nil {
			return nil, fmt.Errorf("failed to render page %d: %w", n+1, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode page %d: %w", n+1, err)
		}
		pages = append(pages, buf.Bytes())
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", ErrParseFailed)
	}
	return pages, nil
}

type visionTxn struct {
	Date        string   `json:"date"`
	Description string   `json:"description"`
	Amount      *float64 `json:"amount"`
	Type        string   `json:"type"`
	Balance     *float64 `json:"balance"`
	Reference   string   `json:"reference"`
}

func (vt visionTxn) toTransaction() (finance.Transaction, bool) {
	date, ok := parseDate(vt.Date)
	if !ok || vt.Amount == nil {
		return finance.Transaction{}, false
	}

	amount := *vt.Amount
	kind := finance.KindDebit
	switch strings.ToLower(vt.Type) {
	case "credit":
		kind = finance.KindCredit
	case "debit":
	default:
		if amount < 0 {
			amount = -amount
		} else {
			kind = finance.KindCredit
		}
	}
	if amount < 0 {
		amount = -amount
	}

	txn := finance.Transaction{
		Date:        date,
		Description: vt.Description,
		Amount:      amount,
		Kind:        kind,
		Balance:     vt.Balance,
		Reference:   vt.Reference,
	}
	txn.Category = Categorize(txn.Description, kind)
	return txn, true
}

// visionLine accepts either {"current": n, "prior": n} or a bare number,
// which smaller vision models emit despite the prompt.
type visionLine struct {
	Current *float64
	Prior   *float64
}

func (vl *visionLine) UnmarshalJSON(data []byte) error {
	var obj struct {
		Current *float64 `json:"current"`
		Prior   *float64 `json:"prior"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		vl.Current, vl.Prior = obj.Current, obj.Prior
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		vl.Current = &n
		return nil
	}

	// null, "-", or anything else unreadable: leave the line empty
	*vl = visionLine{}
	return nil
}

func (vl visionLine) toLineItem() finance.LineItem {
	return finance.LineItem{Current: vl.Current, Prior: vl.Prior}
}

type visionStatement struct {
	CompanyInfo struct {
		Name          string `json:"name"`
		CurrentPeriod string `json:"current_period"`
		PriorPeriod   string `json:"prior_period"`
	} `json:"company_info"`
	BalanceSheet struct {
		Assets struct {
			Cash        visionLine `json:"cash"`
			Receivables visionLine `json:"receivables"`
			Inventory   visionLine `json:"inventory"`
			Current     visionLine `json:"current"`
			NonCurrent  visionLine `json:"non_current"`
			Total       visionLine `json:"total"`
		} `json:"assets"`
		Liabilities struct {
			Current    visionLine `json:"current"`
			NonCurrent visionLine `json:"non_current"`
			Total      visionLine `json:"total"`
		} `json:"liabilities"`
		Equity struct {
			Total visionLine `json:"total"`
		} `json:"equity"`
	} `json:"balance_sheet"`
	IncomeStatement struct {
		Revenue           visionLine `json:"revenue"`
		CostOfRevenue     visionLine `json:"cost_of_revenue"`
		GrossProfit       visionLine `json:"gross_profit"`
		OperatingExpenses visionLine `json:"operating_expenses"`
		OperatingIncome   visionLine `json:"operating_income"`
		NetIncome         visionLine `json:"net_income"`
	} `json:"income_statement"`
	CashFlowStatement struct {
		Operating visionLine `json:"operating"`
		Investing visionLine `json:"investing"`
		Financing visionLine `json:"financing"`
		NetChange visionLine `json:"net_change"`
	} `json:"cash_flow_statement"`
	Confidence float64 `json:"confidence"`
}

// mergeInto fills empty slots in the accumulated statement; earlier pages
// win on conflict.
func (vs *visionStatement) mergeInto(fs *finance.FinancialStatement) {
	if fs.CompanyInfo.Name == "" {
		fs.CompanyInfo.Name = vs.CompanyInfo.Name
	}
	if fs.CompanyInfo.CurrentPeriod == "" {
		fs.CompanyInfo.CurrentPeriod = vs.CompanyInfo.CurrentPeriod
	}
	if fs.CompanyInfo.PriorPeriod == "" {
		fs.CompanyInfo.PriorPeriod = vs.CompanyInfo.PriorPeriod
	}

	mergeLine(&fs.BalanceSheet.Assets.Cash, vs.BalanceSheet.Assets.Cash)
	mergeLine(&fs.BalanceSheet.Assets.Receivables, vs.BalanceSheet.Assets.Receivables)
	mergeLine(&fs.BalanceSheet.Assets.Inventory, vs.BalanceSheet.Assets.Inventory)
	mergeLine(&fs.BalanceSheet.Assets.Current, vs.BalanceSheet.Assets.Current)
	mergeLine(&fs.BalanceSheet.Assets.NonCurrent, vs.BalanceSheet.Assets.NonCurrent)
	mergeLine(&fs.BalanceSheet.Assets.Total, vs.BalanceSheet.Assets.Total)
	mergeLine(&fs.BalanceSheet.Liabilities.Current, vs.BalanceSheet.Liabilities.Current)
	mergeLine(&fs.BalanceSheet.Liabilities.NonCurrent, vs.BalanceSheet.Liabilities.NonCurrent)
	mergeLine(&fs.BalanceSheet.Liabilities.Total, vs.BalanceSheet.Liabilities.Total)
	mergeLine(&fs.BalanceSheet.Equity.Total, vs.BalanceSheet.Equity.Total)
	mergeLine(&fs.Income.Revenue, vs.IncomeStatement.Revenue)
	mergeLine(&fs.Income.CostOfRevenue, vs.IncomeStatement.CostOfRevenue)
	mergeLine(&fs.Income.GrossProfit, vs.IncomeStatement.GrossProfit)
	mergeLine(&fs.Income.OperatingExpenses, vs.IncomeStatement.OperatingExpenses)
	mergeLine(&fs.Income.OperatingIncome, vs.IncomeStatement.OperatingIncome)
	mergeLine(&fs.Income.NetIncome, vs.IncomeStatement.NetIncome)
	mergeLine(&fs.CashFlow.Operating, vs.CashFlowStatement.Operating)
	mergeLine(&fs.CashFlow.Investing, vs.CashFlowStatement.Investing)
	mergeLine(&fs.CashFlow.Financing, vs.CashFlowStatement.Financing)
	mergeLine(&fs.CashFlow.NetChange, vs.CashFlowStatement.NetChange)
}

func mergeLine(dst *finance.LineItem, src visionLine) {
	if dst.Current == nil {
		dst.Current = src.Current
	}
	if dst.Prior == nil {
		dst.Prior = src.Prior
	}
}
