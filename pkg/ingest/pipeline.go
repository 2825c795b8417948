package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/mizanlabs/mizan/pkg/finance"
	"github.com/mizanlabs/mizan/pkg/vector"
)

// Ingested is the product of one upload: the detected type, the parsed
// records, and how much evidence was indexed for retrieval.
type Ingested struct {
	DocType      DocType
	DetectReason string
	Transactions []finance.Transaction
	Summary      *finance.TransactionSummary
	Statement    *finance.FinancialStatement
	Warnings     []string
	Indexed      int
}

// Ingestor runs the full upload pipeline: detect the document type,
// parse it with the cheapest capable path, and index the evidence.
type Ingestor struct {
	index  *vector.Index
	vision *VisionProcessor
	logger *slog.Logger
}

func NewIngestor(index *vector.Index, vision *VisionProcessor, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{index: index, vision: vision, logger: logger}
}

// Ingest processes one uploaded file. Every indexed document carries the
// upload_id and user_id so retrieval stays inside the workspace.
func (ing *Ingestor) Ingest(ctx context.Context, path, filename, userID, uploadID string) (*Ingested, error) {
	docType, reason, err := DetectDocumentType(path, filename)
	if err != nil {
		return nil, err
	}
	ing.logger.Info("document type detected",
		"upload_id", uploadID, "doc_type", string(docType), "reason", reason)

	out := &Ingested{DocType: docType, DetectReason: reason}
	ext := strings.ToLower(filepath.Ext(path))

	switch docType {
	case DocTransactions:
		var result *Result
		if ext == ".pdf" {
			result, err = ing.vision.ExtractTransactions(ctx, path)
		} else {
			result, err = ParseTransactions(path)
		}
		if err != nil {
			return nil, err
		}
		summary := finance.Summarize(result.Transactions)
		out.Transactions = result.Transactions
		out.Summary = &summary
		out.Warnings = result.Warnings
	case DocFinancial:
		var fs *finance.FinancialStatement
		switch ext {
		case ".pdf":
			fs, err = ing.vision.ExtractStatement(ctx, path)
		case ".csv":
			fs, err = ParseStatementCSV(path)
		default:
			fs, err = ParseStatementWorkbook(path)
		}
		if err != nil {
			return nil, err
		}
		out.Statement = fs
	}

	docs := buildEvidenceDocs(out, userID, uploadID)
	if err := ing.index.Insert(ctx, docs); err != nil {
		return nil, fmt.Errorf("failed to index evidence: %w", err)
	}
	out.Indexed = len(docs)

	ing.logger.Info("upload ingested",
		"upload_id", uploadID, "doc_type", string(docType),
		"transactions", len(out.Transactions), "indexed", out.Indexed)
	return out, nil
}

// buildEvidenceDocs turns parsed records into retrievable documents. One
// doc per transaction; for statements, one doc per statement section.
func buildEvidenceDocs(ingested *Ingested, userID, uploadID string) []vector.Doc {
	base := func(kind string) map[string]any {
		return map[string]any{
			"upload_id": uploadID,
			"user_id":   userID,
			"kind":      kind,
		}
	}

	var docs []vector.Doc
	for i, txn := range ingested.Transactions {
		meta := base("transaction")
		meta["date_timestamp"] = float64(txn.Date.Unix())
		meta["amount"] = txn.Amount
		meta["direction"] = string(txn.Kind)
		if txn.Category != "" {
			meta["category"] = txn.Category
		}
		meta["semantic_tags"] = transactionTags(txn)

		docs = append(docs, vector.Doc{
			ID:       fmt.Sprintf("%s-txn-%05d", uploadID, i),
			Text:     transactionText(txn),
			Metadata: meta,
		})
	}

	if fs := ingested.Statement; fs != nil {
		for section, text := range statementSections(fs) {
			if text == "" {
				continue
			}
			meta := base("statement_section")
			meta["section"] = section
			docs = append(docs, vector.Doc{
				ID:       fmt.Sprintf("%s-sec-%s", uploadID, section),
				Text:     text,
				Metadata: meta,
			})
		}
	}
	return docs
}

func transactionText(txn finance.Transaction) string {
	parts := []string{
		txn.Date.Format("2006-01-02"),
		txn.Description,
		fmt.Sprintf("%s %.2f SAR", txn.Kind, txn.Amount),
	}
	if txn.Category != "" {
		parts = append(parts, "category "+txn.Category)
	}
	if txn.Reference != "" {
		parts = append(parts, "ref "+txn.Reference)
	}
	return strings.Join(parts, " | ")
}

func transactionTags(txn finance.Transaction) string {
	tags := []string{string(txn.Kind), strings.ToLower(txn.Date.Month().String())}
	if txn.Category != "" {
		tags = append(tags, txn.Category)
	}
	return strings.Join(tags, ",")
}

// statementSections renders each statement section as retrievable text.
func statementSections(fs *finance.FinancialStatement) map[string]string {
	var bs strings.Builder
	if fs.CompanyInfo.Name != "" {
		fmt.Fprintf(&bs, "%s. ", fs.CompanyInfo.Name)
	}
	writeLine(&bs, "Cash and equivalents", fs.BalanceSheet.Assets.Cash)
	writeLine(&bs, "Receivables", fs.BalanceSheet.Assets.Receivables)
	writeLine(&bs, "Inventory", fs.BalanceSheet.Assets.Inventory)
	writeLine(&bs, "Total current assets", fs.BalanceSheet.Assets.Current)
	writeLine(&bs, "Total assets", fs.BalanceSheet.Assets.Total)
	writeLine(&bs, "Total current liabilities", fs.BalanceSheet.Liabilities.Current)
	writeLine(&bs, "Total liabilities", fs.BalanceSheet.Liabilities.Total)
	writeLine(&bs, "Total equity", fs.BalanceSheet.Equity.Total)

	var is strings.Builder
	writeLine(&is, "Revenue", fs.Income.Revenue)
	writeLine(&is, "Cost of revenue", fs.Income.CostOfRevenue)
	writeLine(&is, "Gross profit", fs.Income.GrossProfit)
	writeLine(&is, "Operating expenses", fs.Income.OperatingExpenses)
	writeLine(&is, "Operating income", fs.Income.OperatingIncome)
	writeLine(&is, "Net income", fs.Income.NetIncome)

	var cf strings.Builder
	writeLine(&cf, "Net cash from operating activities", fs.CashFlow.Operating)
	writeLine(&cf, "Net cash from investing activities", fs.CashFlow.Investing)
	writeLine(&cf, "Net cash from financing activities", fs.CashFlow.Financing)
	writeLine(&cf, "Net change in cash", fs.CashFlow.NetChange)

	var ra strings.Builder
	writeRatio(&ra, "Current ratio", fs.Ratios.Current)
	writeRatio(&ra, "Quick ratio", fs.Ratios.Quick)
	writeRatio(&ra, "Debt to equity", fs.Ratios.DebtToEquity)
	writeRatio(&ra, "Gross margin", fs.Ratios.GrossMargin)
	writeRatio(&ra, "Net margin", fs.Ratios.NetMargin)
	writeRatio(&ra, "Return on assets", fs.Ratios.ROA)
	writeRatio(&ra, "Return on equity", fs.Ratios.ROE)
	writeRatio(&ra, "Asset turnover", fs.Ratios.AssetTurnover)

	return map[string]string{
		"balance_sheet":    strings.TrimSpace(bs.String()),
		"income_statement": strings.TrimSpace(is.String()),
		"cash_flow":        strings.TrimSpace(cf.String()),
		"ratios":           strings.TrimSpace(ra.String()),
	}
}

func writeLine(b *strings.Builder, label string, li finance.LineItem) {
	if li.Current == nil {
		return
	}
	if li.Prior != nil {
		fmt.Fprintf(b, "%s: %.2f (prior %.2f). ", label, *li.Current, *li.Prior)
		return
	}
	fmt.Fprintf(b, "%s: %.2f. ", label, *li.Current)
}

func writeRatio(b *strings.Builder, label string, v *float64) {
	if v == nil {
		return
	}
	fmt.Fprintf(b, "%s: %.4f. ", label, *v)
}
