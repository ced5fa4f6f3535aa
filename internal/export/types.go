// Package export renders an annotated contract, its body with every comment
// highlighted followed by the comment list, as HTML or PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Request contains parameters for an export operation
type Request struct {
	ContractID      string
	Version         string // "" or "latest" for the stored body, otherwise a commit hash
	Format          Format
	IncludeComments bool
	Upload          bool
}

// Result contains the export output. URL is set when the file was uploaded.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	URL      string
	Applied  int
	Degraded []string
}

var (
	// ErrContentUnavailable indicates contract content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrUnsupportedFormat is returned for formats other than pdf and html.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrStorageDisabled is returned when an upload is requested without object storage.
	ErrStorageDisabled = errors.New("export storage disabled")
)

// presignExpiry bounds how long an uploaded export link stays valid.
const presignExpiry = 24 * time.Hour
