package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"html/template"
	"time"
)

// ErrPDFUnavailable indicates no PDF renderer is configured.
var ErrPDFUnavailable = errors.New("audit: pdf export unavailable")

// PDFRenderer converts an HTML document into a PDF.
type PDFRenderer interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Exporter writes timeline exports. A nil renderer disables PDF.
type Exporter struct {
	pdf PDFRenderer
}

// NewExporter constructs an exporter.
func NewExporter(pdf PDFRenderer) *Exporter {
	return &Exporter{pdf: pdf}
}

var csvHeader = []string{"occurred_at", "actor", "action", "entity", "entity_id", "detail"}

// WriteCSV encodes rows with a header line. Times are RFC 3339 in UTC.
func (e *Exporter) WriteCSV(rows []TimelineRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := []string{
			row.At.UTC().Format(time.RFC3339),
			row.Actor,
			row.Action,
			row.Entity,
			row.EntityID,
			row.Detail,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var printTemplate = template.Must(template.New("audit").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Access audit trail</title>
<style>body{font-family:sans-serif;font-size:11px}table{border-collapse:collapse;width:100%}td,th{border:1px solid #999;padding:3px;text-align:left}</style>
</head><body>
<h1>Access audit trail</h1>
<p>{{.Filters.From.Format "2006-01-02"}} to {{.Filters.To.Format "2006-01-02"}}{{with .Filters.Actor}}, actor {{.}}{{end}}{{with .Filters.Action}}, action {{.}}{{end}}</p>
<table><thead><tr><th>When</th><th>Actor</th><th>Action</th><th>Entity</th><th>Detail</th></tr></thead><tbody>
{{range .Rows}}<tr><td>{{.At.UTC.Format "2006-01-02 15:04"}}</td><td>{{.Actor}}</td><td>{{.Action}}</td><td>{{.Entity}} {{.EntityID}}</td><td>{{.Detail}}</td></tr>
{{else}}<tr><td colspan="5">No entries.</td></tr>{{end}}
</tbody></table></body></html>`))

// RenderHTML produces the printable document the PDF is built from.
func RenderHTML(vm ViewModel) (string, error) {
	var buf bytes.Buffer
	if err := printTemplate.Execute(&buf, vm); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderPDF renders vm through the configured renderer.
func (e *Exporter) RenderPDF(ctx context.Context, vm ViewModel) ([]byte, error) {
	if e == nil || e.pdf == nil {
		return nil, ErrPDFUnavailable
	}
	html, err := RenderHTML(vm)
	if err != nil {
		return nil, err
	}
	return e.pdf.RenderHTML(ctx, html)
}
