package repository

import "gorm.io/gorm"

const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageRequest selects a 1-based page of a listing.
type PageRequest struct {
	Page     int
	PageSize int
}

type PageResult[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// Normalize clamps out-of-range values to the defaults and the page size cap.
func (p PageRequest) Normalize() PageRequest {
	p.Page = max(p.Page, DefaultPage)
	switch {
	case p.PageSize < 1:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}
	return p
}

func (p PageRequest) scope(db *gorm.DB) *gorm.DB {
	return db.Limit(p.PageSize).Offset((p.Page - 1) * p.PageSize)
}

func newPageResult[T any](p PageRequest, total int64, items []T) PageResult[T] {
	if items == nil {
		items = []T{}
	}
	out := PageResult[T]{Items: items, Page: p.Page, PageSize: p.PageSize, Total: total}
	if total > 0 && p.PageSize > 0 {
		out.TotalPages = int((total + int64(p.PageSize) - 1) / int64(p.PageSize))
	}
	return out
}
