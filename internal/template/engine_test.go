package template

import (
	"strings"
	"testing"
)

func TestRenderVariables(t *testing.T) {
	tests := []struct {
		name   string
		source string
		ctx    map[string]any
		want   string
	}{
		{
			name:   "simple variable",
			source: "Hello {{name}}!",
			ctx:    map[string]any{"name": "Ada"},
			want:   "Hello Ada!",
		},
		{
			name:   "dotted lookup",
			source: "{{order.customer.name}}",
			ctx: map[string]any{
				"order": map[string]any{
					"customer": map[string]any{"name": "Ada"},
				},
			},
			want: "Ada",
		},
		{
			name:   "missing variable resolves empty",
			source: "a{{nope}}b",
			ctx:    map[string]any{},
			want:   "ab",
		},
		{
			name:   "missing dotted segment resolves empty",
			source: "a{{order.total}}b",
			ctx:    map[string]any{"order": "not-a-map"},
			want:   "ab",
		},
		{
			name:   "numeric value drops trailing zero",
			source: "{{count}}",
			ctx:    map[string]any{"count": float64(42)},
			want:   "42",
		},
		{
			name:   "reserved names are deleted outside loops",
			source: "x{{@index}}y{{this}}z",
			ctx:    map[string]any{"this": "never"},
			want:   "xyz",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.source, tt.ctx); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.source, got, tt.want)
			}
		})
	}
}

func TestRenderEach(t *testing.T) {
	tests := []struct {
		name   string
		source string
		ctx    map[string]any
		want   string
	}{
		{
			name:   "object items bind fields",
			source: "{{#each items}}{{name}}{{/each}}",
			ctx: map[string]any{"items": []any{
				map[string]any{"name": "a"},
				map[string]any{"name": "b"},
			}},
			want: "ab",
		},
		{
			name:   "scalar items bind this",
			source: "{{#each tags}}[{{this}}]{{/each}}",
			ctx:    map[string]any{"tags": []any{"x", "y"}},
			want:   "[x][y]",
		},
		{
			name:   "index and number",
			source: "{{#each tags}}{{@index}}-{{@number}};{{/each}}",
			ctx:    map[string]any{"tags": []any{"a", "b"}},
			want:   "0-1;1-2;",
		},
		{
			name:   "non-array path fails closed",
			source: "x{{#each items}}{{this}}{{/each}}y",
			ctx:    map[string]any{"items": "oops"},
			want:   "xy",
		},
		{
			name:   "missing path fails closed",
			source: "x{{#each items}}{{this}}{{/each}}y",
			ctx:    map[string]any{},
			want:   "xy",
		},
		{
			name:   "object items never stringify for this",
			source: "x{{#each items}}{{this}}{{/each}}y",
			ctx: map[string]any{"items": []any{
				map[string]any{"name": "a"},
			}},
			want: "xy",
		},
		{
			name:   "sibling blocks both expand",
			source: "{{#each a}}{{this}}{{/each}}|{{#each b}}{{this}}{{/each}}",
			ctx:    map[string]any{"a": []any{"1"}, "b": []any{"2"}},
			want:   "1|2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.source, tt.ctx); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.source, got, tt.want)
			}
		})
	}
}

func TestRenderIf(t *testing.T) {
	tests := []struct {
		name   string
		source string
		ctx    map[string]any
		want   string
	}{
		{"empty string is false", "{{#if x}}Y{{else}}N{{/if}}", map[string]any{"x": ""}, "N"},
		{"string zero is false", "{{#if x}}Y{{else}}N{{/if}}", map[string]any{"x": "0"}, "N"},
		{"string false is false", "{{#if x}}Y{{else}}N{{/if}}", map[string]any{"x": "false"}, "N"},
		{"bool false is false", "{{#if x}}Y{{else}}N{{/if}}", map[string]any{"x": false}, "N"},
		{"missing is false", "{{#if x}}Y{{else}}N{{/if}}", map[string]any{}, "N"},
		{"non-empty is true", "{{#if x}}Y{{else}}N{{/if}}", map[string]any{"x": "1"}, "Y"},
		{"bool true is true", "{{#if x}}Y{{else}}N{{/if}}", map[string]any{"x": true}, "Y"},
		{"else is optional", "{{#if x}}Y{{/if}}done", map[string]any{}, "done"},
		{"dotted condition", "{{#if user.vip}}V{{/if}}", map[string]any{"user": map[string]any{"vip": true}}, "V"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.source, tt.ctx); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.source, got, tt.want)
			}
		})
	}
}

// Same-kind blocks do not nest: the first closing tag terminates the
// block. This is a documented contract boundary, not a bug.
func TestRenderNestedBlocksNotSupported(t *testing.T) {
	source := "{{#each outer}}{{#each inner}}{{this}}{{/each}}{{/each}}"
	ctx := map[string]any{
		"outer": []any{map[string]any{"inner": []any{"a"}}},
		"inner": []any{"top"},
	}

	got := Render(source, ctx)
	// The non-greedy match pairs the outer opener with the first
	// {{/each}}; the trailing closer is swept up by cleanup. What must
	// NOT happen is a per-item expansion of the inner block.
	if strings.Contains(got, "a") {
		t.Errorf("nested #each unexpectedly expanded: %q", got)
	}
	if strings.Contains(got, "{{") {
		t.Errorf("output leaks template markers: %q", got)
	}
}

func TestRenderNeverLeaksMarkers(t *testing.T) {
	sources := []string{
		"{{#if x}}unclosed",
		"{{#each items}}unclosed",
		"{{malformed",
		"{{}}",
		"{{#each nope}}{{this}}{{/each}}{{/each}}",
		"{{a}}{{b.c.d}}{{#if q}}{{z}}{{/if}}",
		"text {{else}} stray",
	}
	ctx := map[string]any{"x": "1", "a": "v"}

	for _, src := range sources {
		if got := Render(src, ctx); strings.Contains(got, "{{") {
			t.Errorf("Render(%q) leaked markers: %q", src, got)
		}
	}
}
