// Package content reads the route manifest produced by the site build.
// The offline cache treats routes as opaque URLs; the metadata is only used
// to decide which routes are published.
package content

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type RouteType string

const (
	TypeArticle     RouteType = "article"
	TypePhotography RouteType = "photography"
)

type Image struct {
	Src     string `yaml:"src"`
	Alt     string `yaml:"alt,omitempty"`
	Caption string `yaml:"caption,omitempty"`
	Width   int    `yaml:"width,omitempty"`
	Height  int    `yaml:"height,omitempty"`
}

type Camera struct {
	Model    string `yaml:"model,omitempty"`
	Lens     string `yaml:"lens,omitempty"`
	Settings string `yaml:"settings,omitempty"`
}

// Route is one rendered page together with its frontmatter.
type Route struct {
	Path        string    `yaml:"path"`
	Title       string    `yaml:"title"`
	Subtitle    string    `yaml:"subtitle,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Date        time.Time `yaml:"date"`
	Tags        []string  `yaml:"tags,omitempty"`
	Draft       bool      `yaml:"draft,omitempty"`
	Type        RouteType `yaml:"type,omitempty"`
	Gallery     []Image   `yaml:"gallery,omitempty"`
	Camera      *Camera   `yaml:"camera,omitempty"`
	Location    string    `yaml:"location,omitempty"`
}

// Summary is the text used for the route in listings and feeds.
func (r Route) Summary() string {
	if r.Subtitle != "" {
		return r.Subtitle
	}
	if r.Description != "" {
		return r.Description
	}
	return r.Title
}

type Manifest struct {
	Routes []Route `yaml:"routes"`
}

// Load reads and validates a route manifest file.
func Load(filename string) (Manifest, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Manifest{}, errors.WithContext(
			errors.Wrap(err, errors.CodeNotFound, "could not open route manifest"), "file", filename)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads and validates a route manifest.
// Missing route types default to article.
func Decode(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil && err != io.EOF {
		return m, errors.Wrap(err, errors.CodeInvalidInput, "could not parse route manifest")
	}
	for i := range m.Routes {
		if m.Routes[i].Type == "" {
			m.Routes[i].Type = TypeArticle
		}
	}
	return m, m.Validate()
}

// Validate checks the fields every route must have.
func (m Manifest) Validate() error {
	for i, r := range m.Routes {
		var problem string
		switch {
		case !strings.HasPrefix(r.Path, "/"):
			problem = "path must be absolute"
		case r.Title == "":
			problem = "title is required"
		case r.Date.IsZero():
			problem = "date is required"
		case r.Type != TypeArticle && r.Type != TypePhotography:
			problem = "type must be article or photography"
		}
		if problem != "" {
			return errors.WithContextMap(
				errors.New(errors.CodeSchemaFailed, problem),
				map[string]interface{}{"index": i, "path": r.Path})
		}
	}
	return nil
}

// Published returns the routes that are not drafts, newest first.
func (m Manifest) Published() []Route {
	routes := make([]Route, 0, len(m.Routes))
	for _, r := range m.Routes {
		if !r.Draft {
			routes = append(routes, r)
		}
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Date.After(routes[j].Date)
	})
	return routes
}
