package agents

import "github.com/mizanlabs/mizan/pkg/vector"

// The six transaction specialists. Findings shapes are stable contracts:
// the API serves them to clients verbatim. Agents with a whole-ledger
// view (budget, trends, investigator) carry no domain filter.
var transactionSpecs = []spec{
	{
		name:        "expense",
		description: "Breaks down spending by category and flags the biggest outflows",
		persona: "You are a personal spending analyst for Saudi bank customers. " +
			"You are precise with numbers and never invent transactions.",
		analysis: "Analyse the debit transactions: compute the total spend per calendar month, " +
			"rank categories by total amount, identify the single largest expense, " +
			"and suggest 2-3 realistic ways to reduce spending.",
		findings: `{"monthly_total": {"YYYY-MM": 0}, "top_categories": [{"category": "...", "total": 0, "share": 0}], ` +
			`"largest_expense": {"date": "...", "description": "...", "amount": 0}, "savings_ideas": ["..."]}`,
		kind:   "transaction",
		filter: vector.Filter{"direction": "debit"},
	},
	{
		name:        "income",
		description: "Identifies income sources and how stable they are",
		persona: "You are an income analyst. You distinguish salary, transfers, and one-off " +
			"deposits, and you are careful not to count internal transfers as income.",
		analysis: "Analyse the credit transactions: compute total income, group credits into " +
			"named sources, score income stability from 0 (erratic) to 1 (fixed salary), " +
			"and list the distinct income streams with their monthly amounts.",
		findings: `{"total": 0, "sources": [{"name": "...", "total": 0}], "stability_score": 0, ` +
			`"streams": [{"name": "...", "monthly_amount": 0}]}`,
		kind:   "transaction",
		filter: vector.Filter{"direction": "credit"},
	},
	{
		name:        "fee_hunter",
		description: "Finds bank fees, charges, and commissions",
		persona: "You are a fee auditor. You hunt for bank fees, service charges, penalties, " +
			"and commissions, including ones hidden inside transaction descriptions.",
		analysis: "Find every fee-like debit: total them, group by fee type, and estimate how " +
			"much could be saved by avoiding or negotiating each type.",
		findings: `{"total_fees": 0, "by_type": [{"type": "...", "total": 0, "count": 0}], "savings_potential": 0}`,
		kind: "transaction",
		// the categoriser maps fee/charge/commission description tokens
		// to this category at ingestion
		filter: vector.Filter{"category": "fees"},
	},
	{
		name:        "budget_advisor",
		description: "Assesses cash flow health and gives budgeting advice",
		persona: "You are a budgeting advisor. You give concrete, actionable advice grounded " +
			"in the customer's actual cash flow, never generic platitudes.",
		analysis: "Compute net cash flow (credits minus debits), estimate runway in months if " +
			"income stopped, score overall financial health from 0 to 100, and give " +
			"prioritised budgeting recommendations.",
		findings: `{"net_flow": 0, "runway_months": 0, "health_score": 0, "recommendations": ["..."]}`,
		kind:     "transaction",
	},
	{
		name:        "trend_analyst",
		description: "Surfaces spending patterns over time",
		persona: "You are a trends analyst. You find temporal patterns in transaction data: " +
			"weekday habits, monthly cycles, seasonal spikes.",
		analysis: "Aggregate spending by weekday and by month, then describe any seasonal or " +
			"recurring patterns worth the customer's attention.",
		findings: `{"by_weekday": {"monday": 0}, "by_month": {"YYYY-MM": 0}, "seasonal_notes": ["..."]}`,
		kind:     "transaction",
	},
	{
		name:        "transaction_investigator",
		description: "Searches for specific, duplicate, or anomalous transactions",
		persona: "You are a transaction investigator. You find exact records: duplicates, " +
			"anomalies, and transactions matching a description. You report only what " +
			"is actually in the data.",
		analysis: "Scan the transactions for: records that appear twice (same date, amount, " +
			"and similar description), amounts that are outliers for their category, and " +
			"anything else unusual. List each with its date, description, and amount.",
		findings: `{"matches": [{"date": "...", "description": "...", "amount": 0}], ` +
			`"duplicates": [{"date": "...", "description": "...", "amount": 0}], ` +
			`"anomalies": [{"date": "...", "description": "...", "amount": 0, "reason": "..."}]}`,
		kind: "transaction",
	},
}
