//go:build !windows

package plugins

import (
	"fmt"
	goplugin "plugin"
)

// DefaultExtension is the shared-object suffix plugins are discovered by.
const DefaultExtension = ".so"

type goLibrary struct {
	p *goplugin.Plugin
}

// OpenLibrary opens a Go plugin built with -buildmode=plugin that exports the
// capability functions as package-level funcs. PluginABIVersion, if exported,
// must be a func() int.
func OpenLibrary(path string) (Library, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plugins: open %s: %w", path, err)
	}
	return &goLibrary{p: p}, nil
}

func (l *goLibrary) Lookup(symbol string) (any, bool) {
	sym, err := l.p.Lookup(symbol)
	if err != nil {
		return nil, false
	}
	return any(sym), true
}

// Close is a no-op: the Go runtime cannot unload a plugin once opened.
func (l *goLibrary) Close() error { return nil }
