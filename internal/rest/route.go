package rest

import (
	"fmt"
	"net/url"
	"strings"
)

// Route is a templated REST path plus the values for its placeholders.
// Placeholders are written as {name} segments, e.g.
// "/channels/{channel.id}/messages/{message.id}".
type Route struct {
	Method   string
	Template string
	Params   []string
}

// NewRoute binds params to the placeholders of template, in order.
func NewRoute(method, template string, params ...any) Route {
	r := Route{Method: strings.ToUpper(method), Template: template}
	for _, p := range params {
		r.Params = append(r.Params, fmt.Sprint(p))
	}
	return r
}

// majorParams are the placeholders the platform keeps distinct buckets for.
var majorParams = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// Path substitutes params into the template.
func (r Route) Path() string {
	segs := strings.Split(r.Template, "/")
	i := 0
	for n, s := range segs {
		if isPlaceholder(s) {
			v := ""
			if i < len(r.Params) {
				v = r.Params[i]
			}
			segs[n] = url.PathEscape(v)
			i++
		}
	}
	return strings.Join(segs, "/")
}

// Key is the route-derived bucket key: method plus template with every
// parameter value stripped.
func (r Route) Key() string {
	return r.Method + " " + r.Template
}

// Major returns the value of the leading channel, guild or webhook parameter,
// which the platform buckets separately even for the same template.
func (r Route) Major() string {
	segs := strings.Split(r.Template, "/")
	i := 0
	for n, s := range segs {
		if !isPlaceholder(s) {
			continue
		}
		if n > 0 && majorParams[segs[n-1]] && i < len(r.Params) {
			return r.Params[i]
		}
		i++
	}
	return ""
}

func (r Route) String() string {
	return r.Method + " " + r.Path()
}

// RouteFromPath builds a Route from a concrete path by turning every numeric
// segment into a placeholder, so per-entity paths share one template.
func RouteFromPath(method, path string) Route {
	path = strings.SplitN(path, "?", 2)[0]
	segs := strings.Split(path, "/")
	r := Route{Method: strings.ToUpper(method)}
	for n, s := range segs {
		if s != "" && isNumeric(s) {
			name := "id"
			if n > 0 && segs[n-1] != "" {
				name = strings.TrimSuffix(segs[n-1], "s") + ".id"
			}
			r.Params = append(r.Params, s)
			segs[n] = "{" + name + "}"
		}
	}
	r.Template = strings.Join(segs, "/")
	return r
}

func isPlaceholder(s string) bool {
	return len(s) > 2 && s[0] == '{' && s[len(s)-1] == '}'
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
