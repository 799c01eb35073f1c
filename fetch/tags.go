package fetch

import (
	"context"
	"net/url"
	"regexp"
	"strings"
)

type cacheTagsContextKey struct{}

// WithCacheTags attaches additional cache tags to the context. Fetch merges
// them with the request's own tags.
func WithCacheTags(ctx context.Context, tags ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(tags) == 0 {
		return ctx
	}

	existing := cacheTagsFromContext(ctx)
	combined := dedupeStrings(append(existing, tags...))
	if len(combined) == 0 {
		return ctx
	}

	return context.WithValue(ctx, cacheTagsContextKey{}, combined)
}

func cacheTagsFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	if tags, ok := ctx.Value(cacheTagsContextKey{}).([]string); ok {
		return append([]string(nil), tags...)
	}
	return nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

var versionSegment = regexp.MustCompile(`^v\d+$`)

// prefixSegments are path segments that name an API surface, not a resource.
var prefixSegments = map[string]struct{}{
	"api":       {},
	"rest":      {},
	"rpc":       {},
	"functions": {},
	"graphql":   {},
}

// DefaultTag derives a tag from the endpoint's first resource segment, so
// /rest/v1/experiments?select=* is tagged "experiments".
func DefaultTag(endpoint string) string {
	path := endpoint
	if u, err := url.Parse(endpoint); err == nil {
		path = u.Path
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" || versionSegment.MatchString(segment) {
			continue
		}
		if _, skip := prefixSegments[strings.ToLower(segment)]; skip {
			continue
		}
		return toSnake(segment)
	}
	return ""
}

func (o *Orchestrator) tagsFor(ctx context.Context, endpoint string, opts Options) []string {
	tags := dedupeStrings(append(append([]string(nil), opts.Tags...), cacheTagsFromContext(ctx)...))
	if len(tags) > 0 {
		return tags
	}
	if tag := DefaultTag(endpoint); tag != "" {
		return []string{tag}
	}
	return nil
}
