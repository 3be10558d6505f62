package domain

// Format is the closed set of artifact formats the pipeline understands.
// Anything else is FormatUnknown, which degrades analysis instead of failing it.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatPDF     Format = "pdf"
	FormatEmail   Format = "email"
	FormatMSG     Format = "msg"
	FormatXLSX    Format = "xlsx"
	FormatCSV     Format = "csv"
	FormatUnknown Format = "unknown"
)

// Family groups formats by the analyzers that apply to them.
type Family string

const (
	FamilyImage       Family = "image"
	FamilyDocument    Family = "document"
	FamilyEmail       Family = "email"
	FamilySpreadsheet Family = "spreadsheet"
	FamilyUnknown     Family = "unknown"
)

// Family returns the MIME family of the format.
func (f Format) Family() Family {
	switch f {
	case FormatJPEG, FormatPNG:
		return FamilyImage
	case FormatPDF:
		return FamilyDocument
	case FormatEmail, FormatMSG:
		return FamilyEmail
	case FormatXLSX, FormatCSV:
		return FamilySpreadsheet
	default:
		return FamilyUnknown
	}
}

// MIMEType returns the canonical MIME type recorded on the artifact.
func (f Format) MIMEType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatPDF:
		return "application/pdf"
	case FormatEmail:
		return "message/rfc822"
	case FormatMSG:
		return "application/vnd.ms-outlook"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

// IsValid reports whether f is a member of the closed format set.
func (f Format) IsValid() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatPDF, FormatEmail, FormatMSG, FormatXLSX, FormatCSV, FormatUnknown:
		return true
	}
	return false
}
