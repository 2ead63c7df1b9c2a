package extract

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func zipWith(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range parts {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractPlainText(t *testing.T) {
	e := New()

	out, err := e.Extract("notes.txt", "text/plain", []byte("hello notes"))
	if err != nil || out != "hello notes" {
		t.Errorf("got %q, %v", out, err)
	}

	if _, err := e.Extract("bin.txt", "text/plain", []byte{0xff, 0xfe, 0x00, 0xff}); err == nil {
		t.Error("invalid utf-8 must be rejected")
	}
}

func TestExtractDocx(t *testing.T) {
	data := zipWith(t, map[string]string{
		"word/document.xml": `<?xml version="1.0"?>
			<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
				<w:body><w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t>world</w:t></w:r></w:p></w:body>
			</w:document>`,
		"[Content_Types].xml": "<Types/>",
	})

	out, err := New().Extract("report.docx", "", data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Hello") || !strings.Contains(out, "world") {
		t.Errorf("out = %q", out)
	}
}

func TestExtractXlsx(t *testing.T) {
	data := zipWith(t, map[string]string{
		"xl/sharedStrings.xml": `<?xml version="1.0"?>
			<sst xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">
				<si><t>Revenue</t></si><si><t>Q1</t></si>
			</sst>`,
	})

	out, err := New().Extract("sheet.xlsx", "", data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Revenue") || !strings.Contains(out, "Q1") {
		t.Errorf("out = %q", out)
	}
}

func TestExtractPptxSlidesInOrder(t *testing.T) {
	slide := func(text string) string {
		return `<?xml version="1.0"?>
			<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"
			       xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
				<p:txBody><a:p><a:r><a:t>` + text + `</a:t></a:r></a:p></p:txBody>
			</p:sld>`
	}
	data := zipWith(t, map[string]string{
		"ppt/slides/slide2.xml": slide("second"),
		"ppt/slides/slide1.xml": slide("first"),
	})

	out, err := New().Extract("deck.pptx", "", data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "first") || !strings.Contains(out, "second") {
		t.Fatalf("out = %q", out)
	}
	if strings.Index(out, "first") > strings.Index(out, "second") {
		t.Errorf("slides out of order: %q", out)
	}
}

func TestExtractMissingPart(t *testing.T) {
	data := zipWith(t, map[string]string{"unrelated.xml": "<x/>"})
	if _, err := New().Extract("broken.docx", "", data); err == nil {
		t.Error("docx without document.xml must fail")
	}
}

func TestExtractUnsupportedType(t *testing.T) {
	if _, err := New().Extract("movie.mp4", "video/mp4", []byte("x")); err == nil {
		t.Error("unsupported types must be rejected")
	}
}
