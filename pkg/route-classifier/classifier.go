package classifier

import (
	"net/http"
	"path"
	"strings"
)

// RouteClass is the strategy class assigned to an intercepted request.
// It is derived purely from the request, recomputed every time, and never
// persisted.
type RouteClass string

const (
	ClassApi         RouteClass = "api"
	ClassCoursePage  RouteClass = "course"
	ClassStaticAsset RouteClass = "static"
	ClassNavigation  RouteClass = "navigation"
	ClassOther       RouteClass = "other"
)

// Rules configures classification. All values are deployment
// configuration; zero values get sensible defaults via Normalize.
type Rules struct {
	// Host of the worker's own origin. Requests to any other host are
	// passed through unclassified. Empty means "accept any host", which
	// is appropriate when the engine fronts a single origin.
	Host string `yaml:"host"`
	// Path prefixes of the backend API.
	APIRoots []string `yaml:"apiRoots"`
	// Path prefixes of course content pages.
	CourseRoots []string `yaml:"courseRoots"`
	// File extensions considered static assets.
	StaticExts []string `yaml:"staticExts"`
	// Path prefix of the framework's hashed build output, which carries
	// its own cache-busting names and is left to the network.
	BuildPrefix string `yaml:"buildPrefix"`
}

// Normalize fills in defaults for unset rule fields.
func (ru Rules) Normalize() Rules {
	if len(ru.APIRoots) == 0 {
		ru.APIRoots = []string{"/api/"}
	}
	if len(ru.CourseRoots) == 0 {
		ru.CourseRoots = []string{"/courses/"}
	}
	if len(ru.StaticExts) == 0 {
		ru.StaticExts = []string{
			".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
			".woff", ".woff2", ".ttf",
		}
	}
	if ru.BuildPrefix == "" {
		ru.BuildPrefix = "/_next/"
	}
	return ru
}

// Classify assigns a route class to a request. Rules are checked in
// strict priority order; the first match wins.
func Classify(r *http.Request, rules Rules) RouteClass {
	// Writes are never cached.
	if r.Method != http.MethodGet {
		return ClassOther
	}
	if rules.Host != "" && r.Host != "" && r.Host != rules.Host {
		return ClassOther
	}
	urlPath := r.URL.Path
	for _, root := range rules.APIRoots {
		if strings.HasPrefix(urlPath, root) {
			return ClassApi
		}
	}
	for _, root := range rules.CourseRoots {
		if strings.HasPrefix(urlPath, root) {
			return ClassCoursePage
		}
	}
	if !strings.HasPrefix(urlPath, rules.BuildPrefix) {
		ext := strings.ToLower(path.Ext(urlPath))
		for _, staticExt := range rules.StaticExts {
			if ext == staticExt {
				return ClassStaticAsset
			}
		}
	}
	if isNavigation(r) {
		return ClassNavigation
	}
	return ClassOther
}

// isNavigation reports whether the request is a top-level page load.
// Browsers mark these with Sec-Fetch-Mode; for clients that do not, an
// HTML document request is taken as navigation.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
