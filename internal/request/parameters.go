package request

import (
	"net/http"
	"sort"
	"strings"
)

// Parameter is a named request value. Parameters marked CacheKey take part in
// the cache key; the rest only show up in the display key.
type Parameter struct {
	Value    string
	CacheKey bool
}

// Parameters is an immutable set of named values.
type Parameters struct {
	entries map[string]Parameter
}

// With returns a copy of p with name set.
func (p Parameters) With(name, value string, cacheKey bool) Parameters {
	entries := make(map[string]Parameter, len(p.entries)+1)
	for k, v := range p.entries {
		entries[k] = v
	}
	entries[name] = Parameter{Value: value, CacheKey: cacheKey}
	return Parameters{entries: entries}
}

func (p Parameters) Get(name string) (string, bool) {
	v, ok := p.entries[name]
	return v.Value, ok
}

func (p Parameters) Len() int {
	return len(p.entries)
}

// Key renders every parameter, sorted by name, e.g. "{a:1,b:2}".
func (p Parameters) Key() string {
	return p.render(false)
}

// CacheKey renders only the cache-affecting parameters.
func (p Parameters) CacheKey() string {
	return p.render(true)
}

func (p Parameters) render(onlyCacheKey bool) string {
	names := make([]string, 0, len(p.entries))
	for name, v := range p.entries {
		if onlyCacheKey && !v.CacheKey {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(p.entries[name].Value)
	}
	b.WriteByte('}')
	return b.String()
}

func headersKey(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(headers[name])
	}
	b.WriteByte('}')
	return b.String()
}

func canonicalHeader(name string) string {
	return http.CanonicalHeaderKey(strings.TrimSpace(name))
}
