package ingest

import "errors"

var (
	// ErrParseFailed means no usable rows came out of the document.
	ErrParseFailed = errors.New("no usable rows parsed from document")

	// ErrUnsupportedFormat means the file extension is not ingestable.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)
