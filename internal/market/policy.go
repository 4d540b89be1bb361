package market

import "strings"

// Policy decides which instruments the engine may touch. A non-empty allow
// list overrides the deny list entirely.
type Policy struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

func NewPolicy(allow, deny []string) Policy {
	p := Policy{
		allow: make(map[string]struct{}, len(allow)),
		deny:  make(map[string]struct{}, len(deny)),
	}
	for _, s := range allow {
		p.allow[normalizeSymbol(s)] = struct{}{}
	}
	for _, s := range deny {
		p.deny[normalizeSymbol(s)] = struct{}{}
	}
	return p
}

func (p Policy) Allowed(symbol string) bool {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return false
	}
	if len(p.allow) > 0 {
		_, ok := p.allow[symbol]
		return ok
	}
	_, denied := p.deny[symbol]
	return !denied
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
