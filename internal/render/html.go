package render

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// ExportOptions control the HTML export of an executed notebook.
type ExportOptions struct {
	Title    string
	HideCode bool
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithUnsafe()),
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

var pageTemplate = template.Must(template.New("nb").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{ .Title }}</title>
</head>
<body class="ts-notebook{{ if .HideCode }} ts-hide-code{{ end }}">
{{- range .Cells }}
<div class="cell cell-{{ .Type }}">
{{- if .Input }}
<div class="input"><pre><code class="language-python">{{ .Input }}</code></pre></div>
{{- end }}
{{- range .Blocks }}
<div class="output">{{ . }}</div>
{{- end }}
</div>
{{- end }}
</body>
</html>
`))

// MarkdownHTML converts GitHub-flavored markdown, such as a page
// description, to HTML.
func MarkdownHTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}
	return buf.String(), nil
}

type htmlCell struct {
	Type   string
	Input  string
	Blocks []template.HTML
}

// ExportHTML converts an executed notebook into a standalone HTML page.
func ExportHTML(ipynb string, opts ExportOptions) (string, error) {
	nb, err := ParseNotebook(ipynb)
	if err != nil {
		return "", err
	}

	cells := make([]htmlCell, 0, len(nb.Cells))
	for i, cell := range nb.Cells {
		switch cell.Type {
		case "markdown":
			var buf bytes.Buffer
			if err := markdown.Convert([]byte(cell.Source), &buf); err != nil {
				return "", fmt.Errorf("cell %d: markdown: %w", i, err)
			}
			cells = append(cells, htmlCell{Type: "markdown", Blocks: []template.HTML{template.HTML(buf.String())}})
		case "code":
			out := htmlCell{Type: "code"}
			if !opts.HideCode {
				out.Input = cell.Source
			}
			for _, output := range cell.Outputs {
				if block, ok := renderOutput(output); ok {
					out.Blocks = append(out.Blocks, block)
				}
			}
			if out.Input == "" && len(out.Blocks) == 0 {
				continue
			}
			cells = append(cells, out)
		default:
			continue
		}
	}

	var buf bytes.Buffer
	err = pageTemplate.Execute(&buf, struct {
		Title    string
		HideCode bool
		Cells    []htmlCell
	}{Title: opts.Title, HideCode: opts.HideCode, Cells: cells})
	if err != nil {
		return "", fmt.Errorf("execute html template: %w", err)
	}
	return buf.String(), nil
}

func renderOutput(o Output) (template.HTML, bool) {
	switch o.OutputType {
	case "stream":
		return preBlock("stream-"+o.Name, string(o.Text)), true
	case "execute_result", "display_data":
		if v, ok := o.Data["text/html"]; ok {
			return template.HTML(string(v)), true
		}
		if v, ok := o.Data["image/svg+xml"]; ok {
			return template.HTML(string(v)), true
		}
		if v, ok := o.Data["image/png"]; ok {
			src := "data:image/png;base64," + strings.TrimSpace(string(v))
			return template.HTML(`<img src="` + template.HTMLEscapeString(src) + `">`), true
		}
		if v, ok := o.Data["text/markdown"]; ok {
			var buf bytes.Buffer
			if err := markdown.Convert([]byte(v), &buf); err == nil {
				return template.HTML(buf.String()), true
			}
		}
		if v, ok := o.Data["text/plain"]; ok {
			return preBlock("text", string(v)), true
		}
		return "", false
	case "error":
		text := o.EName + ": " + o.EValue
		if len(o.Traceback) > 0 {
			text = strings.Join(o.Traceback, "\n")
		}
		return preBlock("error", ansiEscape.ReplaceAllString(text, "")), true
	default:
		return "", false
	}
}

func preBlock(class, text string) template.HTML {
	return template.HTML(`<pre class="output-` + template.HTMLEscapeString(class) + `">` + template.HTMLEscapeString(text) + `</pre>`)
}
