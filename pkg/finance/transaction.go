// Package finance holds the core domain types: bank-account transactions,
// corporate financial statements, and derived ratio math.
package finance

import (
	"time"
)

// Kind encodes the direction of a transaction; amounts are always
// non-negative and the kind carries the sign.
type Kind string

const (
	KindDebit   Kind = "debit"
	KindCredit  Kind = "credit"
	KindUnknown Kind = "unknown"
)

// Transaction is an atomic bank-account movement. Immutable once parsed.
type Transaction struct {
	Date        time.Time         `json:"date"`
	Description string            `json:"description"`
	Amount      float64           `json:"amount"`
	Kind        Kind              `json:"kind"`
	Balance     *float64          `json:"balance,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	Category    string            `json:"category,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Signed returns the amount with debit as negative flow.
func (t Transaction) Signed() float64 {
	if t.Kind == KindDebit {
		return -t.Amount
	}
	return t.Amount
}

// TransactionSummary aggregates a parsed transaction set for upload
// status metadata.
type TransactionSummary struct {
	Count       int       `json:"count"`
	TotalDebit  float64   `json:"total_debit"`
	TotalCredit float64   `json:"total_credit"`
	DateFrom    time.Time `json:"date_from"`
	DateTo      time.Time `json:"date_to"`
}

// Summarize computes the summary of a transaction sequence.
func Summarize(txns []Transaction) TransactionSummary {
	s := TransactionSummary{Count: len(txns)}
	for i, t := range txns {
		switch t.Kind {
		case KindDebit:
			s.TotalDebit += t.Amount
		case KindCredit:
			s.TotalCredit += t.Amount
		}
		if i == 0 || t.Date.Before(s.DateFrom) {
			s.DateFrom = t.Date
		}
		if i == 0 || t.Date.After(s.DateTo) {
			s.DateTo = t.Date
		}
	}
	return s
}
