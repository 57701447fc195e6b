package pagination

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Page is a 1-based page request.
type Page struct {
	Page  int `form:"page" json:"page"`
	Limit int `form:"limit" json:"limit"`
}

// Normalize clamps page to at least 1 and limit to [1, MaxLimit], using
// DefaultLimit when limit is unset.
func (p Page) Normalize() Page {
	if p.Page <= 0 {
		p.Page = 1
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	return p
}

func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.Limit
}

