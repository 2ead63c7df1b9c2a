// Package extract turns attachment blobs into prompt text. Office formats
// are zip-packaged XML; PDFs go through a dedicated reader; everything
// textual passes through as-is.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Extractor is the text-extraction capability.
type Extractor interface {
	Extract(name, mime string, data []byte) (string, error)
}

type extractor struct{}

func New() Extractor { return extractor{} }

func (extractor) Extract(name, mime string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))

	switch {
	case ext == ".pdf" || mime == "application/pdf":
		return extractPDF(data)
	case ext == ".docx":
		return extractZipXML(data, "word/document.xml", "t")
	case ext == ".xlsx":
		return extractZipXML(data, "xl/sharedStrings.xml", "t")
	case ext == ".pptx":
		return extractSlides(data)
	case strings.HasPrefix(mime, "text/") || ext == ".txt" || ext == ".md" || ext == ".csv":
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%s: not valid utf-8 text", name)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("unsupported attachment type %q (%s)", ext, mime)
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	text, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, text); err != nil {
		return "", fmt.Errorf("copy pdf text: %w", err)
	}
	return sb.String(), nil
}

// extractZipXML pulls the character data of every <element> in one XML
// part of a zip container.
func extractZipXML(data []byte, part, element string) (string, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open container: %w", err)
	}
	for _, f := range r.File {
		if f.Name != part {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", part, err)
		}
		defer rc.Close()
		return xmlText(rc, element)
	}
	return "", fmt.Errorf("missing %s in container", part)
}

// extractSlides walks every slide part of a pptx in order.
func extractSlides(data []byte) (string, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open container: %w", err)
	}

	var slides []*zip.File
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slides = append(slides, f)
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].Name < slides[j].Name })

	var sb strings.Builder
	for _, f := range slides {
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", f.Name, err)
		}
		text, err := xmlText(rc, "t")
		rc.Close()
		if err != nil {
			return "", err
		}
		if text != "" {
			sb.WriteString(text)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// xmlText concatenates the character data of every element with the given
// local name, separated by spaces.
func xmlText(r io.Reader, localName string) (string, error) {
	decoder := xml.NewDecoder(r)
	var sb strings.Builder
	depth := 0

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == localName {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == localName && depth > 0 {
				depth--
				sb.WriteString(" ")
			}
		case xml.CharData:
			if depth > 0 {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
