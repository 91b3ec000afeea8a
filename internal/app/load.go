package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/beamgridgo/internal/config"
	"github.com/vk/beamgridgo/internal/hcl"
	"github.com/vk/beamgridgo/internal/yamldoc"
)

// LoaderFor returns the document loader for format. FormatAuto picks by the
// extension of path; a directory is read as HCL unless it holds only YAML.
func LoaderFor(format, path string) (config.Loader, error) {
	switch resolveFormat(format, path) {
	case FormatHCL:
		return hcl.NewLoader(), nil
	case FormatYAML:
		return yamldoc.New(), nil
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// writerFor returns the writer matching the extension of path, falling back
// to the loaded format.
func writerFor(path, loaded string) config.Writer {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamldoc.New()
	case ".hcl":
		return hcl.NewWriter()
	}
	if loaded == FormatYAML {
		return yamldoc.New()
	}
	return hcl.NewWriter()
}

func resolveFormat(format, path string) string {
	if format != FormatAuto && format != "" {
		return format
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".hcl":
		return FormatHCL
	}
	if onlyYAML(path) {
		return FormatYAML
	}
	return FormatHCL
}

func onlyYAML(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	seen := false
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			seen = true
		case ".hcl":
			return false
		}
	}
	return seen
}
