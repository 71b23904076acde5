package web

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

// pageTemplates holds the main, log and admin pages.
var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))
