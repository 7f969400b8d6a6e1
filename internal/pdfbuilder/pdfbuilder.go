// Package pdfbuilder renders an event's attendee roster into a PDF byte
// stream, the data contract handed to PrintSink.
package pdfbuilder

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/ispyisail/clubprint-engine/internal/apiclient"
	"github.com/ispyisail/clubprint-engine/internal/config"
)

// statusLabel classifies an attendee's payment state, rendered with a
// distinct colour.
type statusLabel string

const (
	statusPaid  statusLabel = "Paid"
	statusOwing statusLabel = "Owing"
	statusNoFee statusLabel = "NoFee"
)

func status(a apiclient.Attendee) statusLabel {
	if !a.HasFee {
		return statusNoFee
	}
	if a.IsPaid {
		return statusPaid
	}
	return statusOwing
}

func statusColor(s statusLabel) (r, g, b int) {
	switch s {
	case statusPaid:
		return 22, 140, 60
	case statusOwing:
		return 178, 34, 34
	default:
		return 90, 90, 90
	}
}

const (
	headerFillR, headerFillG, headerFillB = 235, 235, 235
	rowHeight                             = 7.0
	pageMarginMM                          = 15.0
)

// Build renders event and its attendee roster under layout into a PDF byte
// stream. Pure given its inputs except for the underlying gofpdf stream;
// Build only returns once gofpdf reports the output buffer flushed.
func Build(event apiclient.Event, attendees []apiclient.Attendee, layout config.PDFLayout) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMarginMM, pageMarginMM, pageMarginMM)
	pdf.SetAutoPageBreak(true, pageMarginMM)
	pdf.SetFont("Arial", "", layout.FontSize)

	pdf.SetHeaderFunc(func() { renderTableHeader(pdf, layout) })
	pdf.AddPage()

	pdf.SetFont("Arial", "B", layout.FontSize+4)
	pdf.CellFormat(0, 10, event.Name, "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", layout.FontSize-1)
	pdf.CellFormat(0, 6, fmt.Sprintf("Starts: %s", event.StartDate.Format(time.RFC1123)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Attendees: %d", len(attendees)), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	renderTableHeader(pdf, layout)
	pdf.SetFont("Arial", "", layout.FontSize)
	for _, a := range attendees {
		renderRow(pdf, a, layout)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdfbuilder: render %s: %w", event.ID, err)
	}
	return buf.Bytes(), nil
}

func renderTableHeader(pdf *gofpdf.Fpdf, layout config.PDFLayout) {
	pdf.SetFont("Arial", "B", layout.FontSize)
	pdf.SetFillColor(headerFillR, headerFillG, headerFillB)
	for _, col := range layout.Columns {
		pdf.CellFormat(col.Width, rowHeight, col.Header, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func renderRow(pdf *gofpdf.Fpdf, a apiclient.Attendee, layout config.PDFLayout) {
	st := status(a)
	for _, col := range layout.Columns {
		text := cellText(col.ID, a)
		if col.ID == "status" {
			r, g, b := statusColor(st)
			pdf.SetTextColor(r, g, b)
			pdf.CellFormat(col.Width, rowHeight, text, "1", 0, "L", false, 0, "")
			pdf.SetTextColor(0, 0, 0)
			continue
		}
		pdf.CellFormat(col.Width, rowHeight, text, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)
}

func cellText(columnID string, a apiclient.Attendee) string {
	switch columnID {
	case "name":
		return a.FirstName + " " + a.LastName
	case "phone":
		return a.Phone
	case "signUpDate":
		return a.SignUpDate
	case "fee":
		if !a.HasFee {
			return ""
		}
		return fmt.Sprintf("%.2f", a.Fee)
	case "status":
		return string(status(a))
	default:
		return ""
	}
}
