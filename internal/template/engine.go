// Package template implements the micro template language used by
// message and document templates.
//
// Rendering happens in a fixed pass order: {{#each}} blocks, then
// {{#if}}/{{else}} blocks, then plain {{path}} variables, then a
// cleanup pass that strips every marker still left in the output. Block
// matching is regex-based and non-greedy, so blocks of the same kind do
// not nest: the first closing tag terminates the block. That limitation
// is part of the template contract and is pinned by tests.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	eachRe     = regexp.MustCompile(`(?s)\{\{#each\s+([^}]+?)\s*\}\}(.*?)\{\{/each\}\}`)
	ifRe       = regexp.MustCompile(`(?s)\{\{#if\s+([^}]+?)\s*\}\}(.*?)\{\{/if\}\}`)
	varRe      = regexp.MustCompile(`\{\{\s*([^#/{}][^{}]*?)\s*\}\}`)
	leftoverRe = regexp.MustCompile(`(?s)\{\{[^{}]*\}\}`)
)

// Render evaluates source against ctx and returns the final text.
// Unresolvable constructs are deleted, never echoed: the output is
// guaranteed to contain no literal "{{" markers.
func Render(source string, ctx map[string]any) string {
	out := renderEach(source, ctx)
	out = renderIf(out, ctx)
	out = renderVars(out, ctx)
	out = leftoverRe.ReplaceAllString(out, "")
	// Unterminated markers have no closing braces for the regex to
	// anchor on; drop the opening braces themselves.
	return strings.ReplaceAll(out, "{{", "")
}

// renderEach expands every {{#each path}}...{{/each}} block. A path
// that does not resolve to an array collapses the whole block to the
// empty string.
func renderEach(source string, ctx map[string]any) string {
	return eachRe.ReplaceAllStringFunc(source, func(block string) string {
		m := eachRe.FindStringSubmatch(block)
		if m == nil {
			return ""
		}
		items, ok := lookup(ctx, strings.TrimSpace(m[1])).([]any)
		if !ok {
			return ""
		}

		var b strings.Builder
		for i, item := range items {
			b.WriteString(renderItem(m[2], item, i))
		}
		return b.String()
	})
}

// renderItem substitutes loop-scoped variables in one iteration of an
// #each body. Object items bind {{field}}, scalar items bind {{this}};
// {{@index}} is zero-based, {{@number}} one-based.
func renderItem(body string, item any, index int) string {
	return varRe.ReplaceAllStringFunc(body, func(marker string) string {
		name := strings.TrimSpace(varRe.FindStringSubmatch(marker)[1])
		switch name {
		case "@index":
			return strconv.Itoa(index)
		case "@number":
			return strconv.Itoa(index + 1)
		case "this":
			// Only scalar items bind {{this}}; an object item leaves
			// the marker for the cleanup pass.
			if _, ok := item.(map[string]any); ok {
				return marker
			}
			return stringify(item)
		}
		if obj, ok := item.(map[string]any); ok {
			if v := lookup(obj, name); v != nil {
				return stringify(v)
			}
		}
		// Leave the marker for the outer passes; anything still
		// unresolved is removed by the cleanup pass.
		return marker
	})
}

// renderIf evaluates every {{#if path}}...{{else}}...{{/if}} block.
func renderIf(source string, ctx map[string]any) string {
	return ifRe.ReplaceAllStringFunc(source, func(block string) string {
		m := ifRe.FindStringSubmatch(block)
		if m == nil {
			return ""
		}
		thenPart, elsePart, _ := strings.Cut(m[2], "{{else}}")
		if truthy(lookup(ctx, strings.TrimSpace(m[1]))) {
			return thenPart
		}
		return elsePart
	})
}

// renderVars substitutes plain {{path}} variables. Names with a
// leading @ and the literal "this" are reserved for loop bodies and
// pass through untouched so a later #each expansion (or the cleanup
// pass) can claim them.
func renderVars(source string, ctx map[string]any) string {
	return varRe.ReplaceAllStringFunc(source, func(marker string) string {
		name := strings.TrimSpace(varRe.FindStringSubmatch(marker)[1])
		if strings.HasPrefix(name, "@") || name == "this" || name == "else" {
			return marker
		}
		return stringify(lookup(ctx, name))
	})
}

// lookup resolves a dotted path against nested maps. Missing segments
// resolve to nil.
func lookup(ctx map[string]any, path string) any {
	var current any = ctx
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return current
}

// truthy reports whether a value counts as true for {{#if}}:
// non-empty, not the string "0", not the string "false", not false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		s := fmt.Sprintf("%v", t)
		return s != "" && s != "0" && s != "false"
	}
}

// stringify renders a resolved value into output text. Missing values
// become the empty string; floats drop a trailing ".0" so JSON-decoded
// integers round-trip cleanly.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
