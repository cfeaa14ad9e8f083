package templates

import (
	"fmt"
	"strings"
)

// Spec describes the title and body templates for one notification kind.
// Inline sources win over files when both are set.
type Spec struct {
	Title     string `koanf:"title"`
	Body      string `koanf:"body"`
	TitleFile string `koanf:"titleFile"`
	BodyFile  string `koanf:"bodyFile"`
}

type compiledSpec struct {
	title *Template
	body  *Template
}

// Catalog holds the compiled templates keyed by notification kind.
type Catalog struct {
	entries map[string]compiledSpec
}

// NewCatalog compiles every spec. Kinds without templates render unchanged.
func NewCatalog(renderer *Renderer, specs map[string]Spec) (*Catalog, error) {
	catalog := &Catalog{entries: make(map[string]compiledSpec, len(specs))}
	for kind, spec := range specs {
		title, err := compile(renderer, kind+".title", spec.Title, spec.TitleFile)
		if err != nil {
			return nil, err
		}
		body, err := compile(renderer, kind+".body", spec.Body, spec.BodyFile)
		if err != nil {
			return nil, err
		}
		if title == nil && body == nil {
			continue
		}
		catalog.entries[strings.ToLower(kind)] = compiledSpec{title: title, body: body}
	}
	return catalog, nil
}

func compile(renderer *Renderer, name, inline, file string) (*Template, error) {
	if strings.TrimSpace(inline) != "" {
		return renderer.CompileInline(name, inline)
	}
	if strings.TrimSpace(file) != "" {
		return renderer.CompileFile(file)
	}
	return nil, nil
}

// Render produces the title and body for kind. The fallbacks are returned for
// any part without a template, and a template rendering to blank text also
// falls back.
func (c *Catalog) Render(kind string, data any, fallbackTitle, fallbackBody string) (string, string, error) {
	if c == nil {
		return fallbackTitle, fallbackBody, nil
	}
	entry, ok := c.entries[strings.ToLower(kind)]
	if !ok {
		return fallbackTitle, fallbackBody, nil
	}
	title, err := renderOr(entry.title, data, fallbackTitle)
	if err != nil {
		return "", "", fmt.Errorf("templates: %s title: %w", kind, err)
	}
	body, err := renderOr(entry.body, data, fallbackBody)
	if err != nil {
		return "", "", fmt.Errorf("templates: %s body: %w", kind, err)
	}
	return title, body, nil
}

func renderOr(tmpl *Template, data any, fallback string) (string, error) {
	if tmpl == nil {
		return fallback, nil
	}
	out, err := tmpl.Render(data)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return fallback, nil
	}
	return strings.TrimSpace(out), nil
}
