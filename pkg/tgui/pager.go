package tgui

import "fmt"

// Page is one window of a paginated list. Index is 0-based.
type Page[T any] struct {
	Items   []T
	Index   int
	Size    int
	Total   int
	HasPrev bool
	HasNext bool
}

// Paginate returns the requested page of items. Out-of-range pages are clamped
// to the last page.
func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	pages := max((total+size-1)/size, 1)
	page = min(max(page, 0), pages-1)
	start := min(page*size, total)
	end := min(start+size, total)
	return Page[T]{
		Items:   items[start:end],
		Index:   page,
		Size:    size,
		Total:   total,
		HasPrev: page > 0,
		HasNext: end < total,
	}
}

// Label returns a compact pagination label, e.g. "Page 2/3 • 11–20 of 25".
func (p Page[T]) Label() string {
	pages := max((p.Total+p.Size-1)/p.Size, 1)
	if p.Total == 0 {
		return "Page 1/1"
	}
	from := p.Index*p.Size + 1
	to := from + len(p.Items) - 1
	return fmt.Sprintf("Page %d/%d • %d–%d of %d", p.Index+1, pages, from, to, p.Total)
}
