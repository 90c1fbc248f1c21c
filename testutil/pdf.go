// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Letter is a US Letter page in points.
var Letter = [2]float64{612, 792}

// BuildPDF returns a minimal well-formed PDF with one page per size
// (width, height in points), each carrying a filled rectangle.
func BuildPDF(sizes [][2]float64) []byte {
	var buf bytes.Buffer
	offsets := []int{}

	n := len(sizes)
	// Objects: 1 catalog, 2 pages, then page/content pairs.
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	obj("<< /Type /Catalog /Pages 2 0 R >>")

	kids := ""
	for i := 0; i < n; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+2*i)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, n))

	for i, s := range sizes {
		content := fmt.Sprintf("0.2 0.4 0.8 rg\n%g %g %g %g re\nf\n", s[0]*0.1, s[1]*0.1, s[0]*0.8, s[1]*0.8)
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %g %g] /Resources << >> /Contents %d 0 R >>",
			s[0], s[1], 4+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// WritePDF writes BuildPDF(sizes) into dir and returns the path.
func WritePDF(t testing.TB, dir, name string, sizes [][2]float64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, BuildPDF(sizes), 0o644); err != nil {
		t.Fatalf("failed to write PDF fixture: %v", err)
	}
	return path
}
