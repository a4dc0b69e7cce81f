package photo

import (
	"fmt"
	"net/url"
	"strings"
)

// Route is one way of fetching a photo URL. An empty Template fetches the
// URL directly; otherwise "{url}" in Template is replaced by the
// query-escaped source URL and "{raw}" by the source URL as-is.
type Route struct {
	Name     string
	Template string
}

// Direct fetches the source URL without rewriting.
var Direct = Route{Name: "direct"}

// URL returns the address to request for src.
func (r Route) URL(src string) string {
	if r.Template == "" {
		return src
	}
	return strings.NewReplacer("{url}", url.QueryEscape(src), "{raw}", src).Replace(r.Template)
}

// ParseRoutes returns Direct followed by one route per proxy template.
func ParseRoutes(templates []string) ([]Route, error) {
	routes := []Route{Direct}
	for i, tpl := range templates {
		tpl = strings.TrimSpace(tpl)
		if tpl == "" {
			continue
		}
		if !strings.Contains(tpl, "{url}") && !strings.Contains(tpl, "{raw}") {
			return nil, fmt.Errorf("photo: route template %q has no {url} or {raw} placeholder", tpl)
		}
		u, err := url.Parse(strings.NewReplacer("{url}", "", "{raw}", "").Replace(tpl))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("photo: invalid route template %q", tpl)
		}
		routes = append(routes, Route{Name: fmt.Sprintf("proxy-%d-%s", i+1, u.Hostname()), Template: tpl})
	}
	return routes, nil
}
