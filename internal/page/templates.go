package page

import (
	"embed"
	"fmt"
)

//go:embed templates/*.html
var templateFiles embed.FS

// Load parses one of the embedded page templates, e.g. "admin-dashboard.html".
func Load(name string) (*Document, error) {
	file, err := templateFiles.Open("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("page: unknown template %s: %w", name, err)
	}
	defer file.Close()
	return Parse(file)
}

// Open loads the named template into a new window located at that page.
func Open(name string) (*Window, error) {
	document, err := Load(name)
	if err != nil {
		return nil, err
	}
	return NewWindow(document, name), nil
}
