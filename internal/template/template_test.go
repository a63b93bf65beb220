package template

import (
	"strings"
	"testing"
)

func TestRenderBindings(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("Hello {{ first_name }}, you have {{ count }} new offers", map[string]interface{}{
		"first_name": "Jane",
		"count":      3,
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if out != "Hello Jane, you have 3 new offers" {
		t.Errorf("Render() = %q", out)
	}
}

func TestRenderDefaultFilter(t *testing.T) {
	r := NewRenderer()

	tests := []struct {
		name     string
		bindings map[string]interface{}
		want     string
	}{
		{"missing variable", map[string]interface{}{}, "Hello Friend"},
		{"empty variable", map[string]interface{}{"first_name": ""}, "Hello Friend"},
		{"set variable", map[string]interface{}{"first_name": "Jane"}, "Hello Jane"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Render(`Hello {{ first_name | default: "Friend" }}`, tt.bindings)
			if err != nil {
				t.Fatalf("Render() error: %v", err)
			}
			if out != tt.want {
				t.Errorf("Render() = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestRenderParseError(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render("{% if %}", map[string]interface{}{})
	if err == nil {
		t.Fatal("Render() with bad source succeeded, want error")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("error %q does not mention parsing", err)
	}
}

func TestRenderCachesParsedTemplates(t *testing.T) {
	r := NewRenderer()
	source := "Hi {{ name }}"

	if _, err := r.Render(source, map[string]interface{}{"name": "a"}); err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if _, cached := r.cache.Load(source); !cached {
		t.Error("parsed template not cached")
	}
	out, err := r.Render(source, map[string]interface{}{"name": "b"})
	if err != nil {
		t.Fatalf("Render() from cache error: %v", err)
	}
	if out != "Hi b" {
		t.Errorf("cached render = %q, want %q", out, "Hi b")
	}
}
