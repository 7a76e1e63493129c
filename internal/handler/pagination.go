package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/openclaw/presence-server-go/internal/errors"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ParsePage reads limit and offset from the query. Absent values take the
// defaults; an oversized limit is clamped; garbage is a validation error.
func ParsePage(r *http.Request) (Page, error) {
	page := Page{Limit: DefaultHistoryLimit}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return Page{}, apperrors.ValidationError("limit must be a positive integer")
		}
		page.Limit = min(limit, MaxHistoryLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return Page{}, apperrors.ValidationError("offset must be a non-negative integer")
		}
		page.Offset = offset
	}
	return page, nil
}
