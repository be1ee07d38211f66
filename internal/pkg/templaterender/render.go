package templaterender

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
)

var (
	mu    sync.RWMutex
	cache = map[string]*template.Template{}
)

// RenderString renders a Go template string with missing keys defaulting to
// zero values. Parsed templates are cached by source.
func RenderString(src string, data any) (string, error) {
	if src == "" {
		return "", nil
	}
	t, err := parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func parse(src string) (*template.Template, error) {
	mu.RLock()
	t, ok := cache[src]
	mu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := template.New("tpl").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	mu.Lock()
	cache[src] = t
	mu.Unlock()
	return t, nil
}
