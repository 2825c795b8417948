package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCSVTransactions(t *testing.T) {
	path := writeTempCSV(t, `Date,Description,Debit,Credit
05/01/2024,POS PURCHASE,100.00,
`)

	docType, reason, err := DetectDocumentType(path, "statement.csv")
	require.NoError(t, err)
	assert.Equal(t, DocTransactions, docType)
	assert.Contains(t, reason, "header row")
}

func TestDetectCSVFinancial(t *testing.T) {
	path := writeTempCSV(t, `ACME Trading Co
Statement of Financial Position
Total Assets,1000000,900000
Total Liabilities,400000,380000
`)

	docType, _, err := DetectDocumentType(path, "report.csv")
	require.NoError(t, err)
	assert.Equal(t, DocFinancial, docType)
}

func TestDetectFilenameFallback(t *testing.T) {
	assert.Equal(t, DocFinancial, detectFromFilename("annual_report_2024.pdf"))
	assert.Equal(t, DocFinancial, detectFromFilename("Balance-Sheet.xlsx"))
	assert.Equal(t, DocTransactions, detectFromFilename("alrajhi_export.csv"))
}

func TestDetectUnsupportedExtension(t *testing.T) {
	_, _, err := DetectDocumentType("/tmp/file.docx", "file.docx")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
