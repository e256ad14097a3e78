package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	invalidSlug   = regexp.MustCompile(`[^a-z0-9-]`)
)

// NormalizeName turns a user-supplied name into a DNS-safe slug: lowercase,
// trimmed, whitespace runs collapsed to one hyphen, everything outside
// [a-z0-9-] removed.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = whitespaceRun.ReplaceAllString(s, "-")
	return invalidSlug.ReplaceAllString(s, "")
}

// NextName picks the first free name for base given the names already taken
// with base as a prefix. A bare base counts as suffix 1, so the sequence is
// base, base-2, base-3, ...
func NextName(base string, taken []string) string {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `(?:-(\d+))?$`)

	highest := 0
	for _, name := range taken {
		m := pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n := 1
		if m[1] != "" {
			parsed, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			n = parsed
		}
		if n > highest {
			highest = n
		}
	}

	if highest == 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, highest+1)
}

// NameResolver finds collision-free project names.
type NameResolver struct {
	store ProjectStore
}

// NewNameResolver creates a resolver over store.
func NewNameResolver(store ProjectStore) *NameResolver {
	return &NameResolver{store: store}
}

// Resolve returns a name that no project record uses. A record left in status
// deleted by an incomplete teardown keeps its name until it is removed. The answer
// is advisory: two concurrent callers can get the same name, and the store's
// uniqueness constraint decides which insert wins.
func (r *NameResolver) Resolve(ctx context.Context, requested string) (string, error) {
	base := NormalizeName(requested)
	if base == "" {
		return "", NewValidationError("name has no usable characters", nil).
			WithOperation("resolve_name").
			WithDetail("name", requested)
	}

	taken, err := r.store.ListProjectNames(ctx, base)
	if err != nil {
		return "", NewExternalServiceError(SystemStore, "failed to list existing names", err).
			WithOperation("resolve_name").
			WithResource(base)
	}

	return NextName(base, taken), nil
}
