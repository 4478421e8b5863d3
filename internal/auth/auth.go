package auth

import (
	"sort"
	"strings"

	"agentbond/internal/domain"
)

// Policy decides whether caller may perform a restricted write.
type Policy interface {
	Authorize(caller string) error
}

// TrustedCallers admits a fixed set of identities chosen at construction.
type TrustedCallers struct {
	members map[string]struct{}
}

func NewTrustedCallers(ids ...string) TrustedCallers {
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		members[id] = struct{}{}
	}
	return TrustedCallers{members: members}
}

func (t TrustedCallers) Authorize(caller string) error {
	if caller == "" {
		return domain.ErrMissingCaller
	}
	if _, ok := t.members[caller]; !ok {
		return domain.ErrUnauthorized
	}
	return nil
}

// Members returns the trusted identities in sorted order.
func (t TrustedCallers) Members() []string {
	out := make([]string, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
