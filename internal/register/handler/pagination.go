package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageStart = 0
	defaultPageLimit = 50
)

// page is the start/limit window of a paginated listing.
type page struct {
	start int64
	limit int64
}

func parsePage(c *gin.Context) (page, error) {
	p := page{start: defaultPageStart, limit: defaultPageLimit}
	if v := c.Query("start"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return p, fmt.Errorf("start must be a non-negative integer")
		}
		p.start = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return p, fmt.Errorf("limit must be a non-negative integer")
		}
		p.limit = n
	}
	return p, nil
}

// linkHeader renders the previous and next page links for a listing of
// count results. The next link's limit is shortened so that it never runs
// past the end.
func (p page) linkHeader(count int64) string {
	var links []string
	if p.start > 0 {
		prev := max(p.start-p.limit, 0)
		links = append(links, fmt.Sprintf(`<?start=%d&limit=%d>; rel="previous"`, prev, p.limit))
	}
	if p.start < count && p.limit < count-p.start {
		next := p.start + p.limit
		limit := min(p.limit, count-next)
		links = append(links, fmt.Sprintf(`<?start=%d&limit=%d>; rel="next"`, next, limit))
	}
	return strings.Join(links, ",")
}

func (p page) setLinks(c *gin.Context, count int64) {
	if link := p.linkHeader(count); link != "" {
		c.Header("Link", link)
	}
}
