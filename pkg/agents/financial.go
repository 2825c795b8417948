package agents

import (
	"github.com/mizanlabs/mizan/pkg/nlq"
	"github.com/mizanlabs/mizan/pkg/vector"
)

// The six financial-statement specialists.
var financialSpecs = []spec{
	{
		name:        "ratio_analyst",
		description: "Computes and interprets the core financial ratios",
		persona: "You are a financial ratio analyst. You interpret liquidity, leverage, and " +
			"profitability ratios against common benchmarks and say what they mean for " +
			"the business, not just what they are.",
		analysis: "From the statement figures, assess the liquidity ratios (current, quick), " +
			"the leverage position (debt-to-equity, liability structure), and the " +
			"profitability ratios (margins, ROA, ROE). Interpret each against typical " +
			"healthy ranges.",
		findings: `{"liquidity": {"current_ratio": 0, "quick_ratio": 0, "assessment": "..."}, ` +
			`"leverage": {"debt_to_equity": 0, "assessment": "..."}, ` +
			`"profitability_block": {"gross_margin": 0, "net_margin": 0, "roa": 0, "roe": 0, "assessment": "..."}}`,
		kind:   "statement_section",
		filter: vector.Filter{"section": "ratios"},
	},
	{
		name:        "profitability",
		description: "Analyses margins and earnings quality",
		persona: "You are a profitability analyst. You decompose earnings: where the margin " +
			"is made, where it is lost, and how it moved against the prior period.",
		analysis: "Analyse the income statement: compute gross, operating, and net margins, " +
			"the change in each versus the prior period, and estimate EBITDA from " +
			"operating income.",
		findings: `{"margins": {"gross": 0, "operating": 0, "net": 0}, ` +
			`"yoy_delta": {"revenue": 0, "net_income": 0}, "ebitda_est": 0}`,
		kind:   "statement_section",
		filter: vector.Filter{"section": "income_statement"},
	},
	{
		name:        "liquidity",
		description: "Assesses short-term solvency and working capital",
		persona: "You are a liquidity analyst. You judge whether the company can meet its " +
			"near-term obligations from its near-term resources.",
		analysis: "Compute working capital (current assets minus current liabilities), the " +
			"quick ratio, and characterise the cash conversion position from " +
			"receivables, inventory, and the operating cash flow.",
		findings: `{"working_capital": 0, "quick_ratio": 0, "cash_conversion": "..."}`,
		kind: "statement_section",
		filter: vector.Filter{
			"section": map[string]any{"$in": []string{"balance_sheet", "cash_flow"}},
		},
	},
	{
		name:        "fin_trend",
		description: "Tracks growth against the prior period",
		persona: "You are a growth analyst. You compare the current period to the prior one " +
			"and separate real growth from one-off effects.",
		analysis: "Compute year-over-year growth for revenue, net income, and total assets " +
			"where prior-period figures exist, and note any seasonality or one-off " +
			"effects the figures suggest.",
		findings: `{"yoy_growth": {"revenue": 0, "net_income": 0, "total_assets": 0}, "seasonality": ["..."]}`,
		kind:     "statement_section",
	},
	{
		name:        "risk",
		description: "Flags financial risks and covenant pressure",
		persona: "You are a credit risk analyst. You look for what could go wrong: leverage, " +
			"concentration, liquidity cliffs, covenant pressure.",
		analysis: "Assess the financial risks visible in the statements: leverage and " +
			"interest burden, liquidity pressure, dependence on a single revenue line. " +
			"Score overall risk from 0 (safe) to 100 (distressed) and note anything a " +
			"lender's covenants would catch.",
		findings: `{"covenant_notes": ["..."], "risk_score": 0, "exposures": [{"name": "...", "severity": "..."}]}`,
		kind: "statement_section",
		filter: vector.Filter{
			"section": map[string]any{"$in": []string{"ratios", "balance_sheet"}},
		},
	},
	{
		name:        "efficiency",
		description: "Measures how hard the assets work",
		persona: "You are an operational efficiency analyst. You measure how much output " +
			"the company extracts from its assets and working capital.",
		analysis: "Compute asset turnover (revenue over total assets), inventory turnover " +
			"(cost of revenue over inventory), and days sales outstanding from " +
			"receivables, and interpret each.",
		findings: `{"asset_turnover": 0, "inventory_turnover": 0, "dso": 0}`,
		kind: "statement_section",
		filter: vector.Filter{
			"section": map[string]any{"$in": []string{"balance_sheet", "income_statement"}},
		},
	},
}

// generalSpec answers questions no specialist claims. It has no insights
// pass of its own; chat grounds it in whatever the specialists produced.
var generalSpec = spec{
	name:        nlq.GeneralAgent,
	description: "Answers general questions about the uploaded document",
	persona: "You are a financial assistant for Saudi bank customers and businesses. " +
		"You answer questions about the uploaded document plainly and honestly, " +
		"and you say when the document does not contain the answer.",
	analysis: "Summarise what this document contains and the 3-5 figures a reader " +
		"would most want to know.",
	findings: `{"highlights": ["..."]}`,
	kind:     "transaction",
}
