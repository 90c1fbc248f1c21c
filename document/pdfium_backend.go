package document

import (
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"
)

// PDFiumBackend renders with go-pdfium running in WebAssembly (pure Go, no CGo)
type PDFiumBackend struct {
	pool     pdfium.Pool
	instance pdfium.Pdfium
}

// NewPDFiumBackend creates a new PDFium-based backend using WebAssembly
func NewPDFiumBackend() (*PDFiumBackend, error) {
	// A single worker: documents are only ever rendered one page at a time
	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  1,
		MaxIdle:  1,
		MaxTotal: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PDFium WebAssembly: %w", err)
	}

	instance, err := pool.GetInstance(time.Second * 30)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to get PDFium instance: %w", err)
	}

	return &PDFiumBackend{
		pool:     pool,
		instance: instance,
	}, nil
}

// Name returns "pdfium"
func (b *PDFiumBackend) Name() string {
	return "pdfium"
}

// Open opens the PDF at path without reading it fully into memory
func (b *PDFiumBackend) Open(path string) (Document, error) {
	if b.instance == nil {
		return nil, fmt.Errorf("pdfium backend is closed")
	}
	doc, err := b.instance.OpenDocument(&requests.OpenDocument{
		FilePath: &path,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open PDF document: %w", err)
	}

	pageCountResp, err := b.instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{
		Document: doc.Document,
	})
	if err != nil {
		b.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: doc.Document})
		return nil, fmt.Errorf("unable to get page count: %w", err)
	}

	return &pdfiumDocument{
		instance:  b.instance,
		doc:       doc.Document,
		pageCount: pageCountResp.PageCount,
	}, nil
}

// Close cleans up resources used by the PDFium backend
func (b *PDFiumBackend) Close() error {
	if b.instance != nil {
		b.instance.Close()
		b.instance = nil
	}
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
	return nil
}

type pdfiumDocument struct {
	instance  pdfium.Pdfium
	doc       references.FPDF_DOCUMENT
	pageCount int
}

func (d *pdfiumDocument) PageCount() int {
	return d.pageCount
}

func (d *pdfiumDocument) PageSize(index int) (float64, float64, error) {
	size, err := d.instance.FPDF_GetPageSizeByIndex(&requests.FPDF_GetPageSizeByIndex{
		Document: d.doc,
		Index:    index,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get size of page %d: %w", index, err)
	}
	return size.Width, size.Height, nil
}

func (d *pdfiumDocument) Render(index, widthPx, heightPx int) (image.Image, error) {
	pageRender, err := d.instance.RenderPageInPixels(&requests.RenderPageInPixels{
		Width:  widthPx,
		Height: heightPx,
		Page: requests.Page{
			ByIndex: &requests.PageByIndex{
				Document: d.doc,
				Index:    index,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to render page %d: %w", index, err)
	}
	// The result buffer belongs to the WebAssembly instance until Cleanup
	img := imaging.Clone(pageRender.Result.Image)
	pageRender.Cleanup()
	return img, nil
}

func (d *pdfiumDocument) Close() error {
	_, err := d.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{
		Document: d.doc,
	})
	return err
}
