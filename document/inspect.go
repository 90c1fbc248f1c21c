package document

import (
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Info describes a document without opening a render backend.
type Info struct {
	PageCount int        `json:"pageCount"`
	Pages     []PageSize `json:"pages"`
}

// Inspect reads the page count and page sizes with pdfcpu.
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	defer f.Close()

	count, err := api.PageCount(f, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get page count: %v", ErrOpen, err)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	dims, err := api.PageDims(f, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get page dimensions: %v", ErrOpen, err)
	}

	info := &Info{PageCount: count, Pages: make([]PageSize, 0, len(dims))}
	for _, d := range dims {
		info.Pages = append(info.Pages, PageSize{Width: d.Width, Height: d.Height})
	}
	return info, nil
}
