// Package workspace provides project discovery and directory browsing
// for the host's workspace root.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pairlink/pairlink/internal/protocol"
)

// dependencyDirs are cache/vendor directories never treated as projects.
var dependencyDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	"venv":         true,
}

// projectMarkers signal that a directory holds a project.
var projectMarkers = []string{
	"package.json",
	"go.mod",
	"Cargo.toml",
	"pyproject.toml",
	"requirements.txt",
	"setup.py",
	"pom.xml",
	"build.gradle",
	"Makefile",
	"Gemfile",
	".git",
}

// Scan lists immediate subdirectories of root and returns the ones that
// look like projects, annotated with an inferred framework label.
// Unreadable entries are skipped rather than failing the scan.
func Scan(root string) (protocol.WorkspaceProjects, error) {
	result := protocol.WorkspaceProjects{
		Root:      root,
		Projects:  []protocol.Project{},
		ScannedAt: time.Now().UnixMilli(),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return result, err
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || dependencyDirs[name] {
			continue
		}
		path := filepath.Join(root, name)
		if !isProject(path) {
			continue
		}
		result.Projects = append(result.Projects, protocol.Project{
			Name:      name,
			Path:      path,
			Framework: detectFramework(path),
		})
	}

	return result, nil
}

func isProject(dir string) bool {
	for _, marker := range projectMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

// packageJSON is the minimal structure parsed from package.json.
type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// detectFramework infers a coarse framework label from manifest
// contents. First match wins; empty string means no inference.
func detectFramework(dir string) string {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pkg packageJSON
		_ = json.Unmarshal(data, &pkg)
		hasDep := func(name string) bool {
			_, ok := pkg.Dependencies[name]
			if !ok {
				_, ok = pkg.DevDependencies[name]
			}
			return ok
		}
		switch {
		case hasDep("next"):
			return "next"
		case hasDep("react"):
			return "react"
		case hasDep("vue"):
			return "vue"
		case hasDep("svelte"):
			return "svelte"
		case hasDep("express"):
			return "express"
		default:
			return "node"
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "go.mod")); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "github.com/gin-gonic/gin"):
			return "gin"
		case strings.Contains(content, "github.com/labstack/echo"):
			return "echo"
		case strings.Contains(content, "github.com/go-chi/chi"):
			return "chi"
		default:
			return "go"
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "Cargo.toml")); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "actix-web"):
			return "actix-web"
		case strings.Contains(content, "axum"):
			return "axum"
		default:
			return "rust"
		}
	}

	var combined string
	for _, manifest := range []string{"pyproject.toml", "requirements.txt", "setup.py"} {
		if data, err := os.ReadFile(filepath.Join(dir, manifest)); err == nil {
			combined += string(data)
		}
	}
	if combined != "" {
		lower := strings.ToLower(combined)
		switch {
		case strings.Contains(lower, "django"):
			return "django"
		case strings.Contains(lower, "flask"):
			return "flask"
		case strings.Contains(lower, "fastapi"):
			return "fastapi"
		default:
			return "python"
		}
	}

	return ""
}
