// Package render turns a page notebook and resolved parameters into an
// executable notebook, and an executed notebook into HTML.
package render

import (
	"errors"
	"sort"
	"strings"

	"github.com/lsst-sqre/times-square-go/internal/params"
)

// ParameterCell returns the source that replaces a notebook's first code
// cell: a "# Parameters" header, the sorted unique imports the values
// need, then one assignment per parameter sorted by name.
func ParameterCell(values params.Values) string {
	lines := []string{"# Parameters"}

	imports := map[string]struct{}{}
	assignments := make([]string, 0, values.Len())
	for _, name := range values.Names() {
		v, _ := values.Get(name)
		expr, imp := v.PythonLiteral()
		if imp != "" {
			imports[imp] = struct{}{}
		}
		assignments = append(assignments, name+" = "+expr)
	}
	sortedImports := make([]string, 0, len(imports))
	for imp := range imports {
		sortedImports = append(sortedImports, imp)
	}
	sort.Strings(sortedImports)

	lines = append(lines, sortedImports...)
	lines = append(lines, assignments...)
	return strings.Join(lines, "\n")
}

// Render injects values into a page notebook: the first code cell becomes
// the parameter assignment cell, narrative cells have their templating
// expanded, and the values are recorded in the notebook metadata. The
// input notebook is not modified.
func Render(ipynb string, values params.Values) (string, error) {
	nb, err := ParseNotebook(ipynb)
	if err != nil {
		return "", err
	}

	injected := false
	for i, cell := range nb.Cells {
		if cell.Type == "code" {
			if !injected {
				cell.Source = ParameterCell(values)
				cell.Outputs = nil
				cell.ExecutionCount = nil
				injected = true
			}
			continue
		}
		expanded, err := expandTemplate(cell.Source, values)
		if err != nil {
			return "", &TemplateRenderError{CellIndex: i, Message: err.Error()}
		}
		cell.Source = expanded
	}
	if !injected && values.Len() > 0 {
		return "", &FormatError{Err: errors.New("notebook has parameters but no code cell to assign them in")}
	}

	if err := nb.SetTimesSquareMetadata("values", values.JSON()); err != nil {
		return "", err
	}
	return nb.Marshal()
}

// CheckTemplates validates the templating of every narrative cell of a
// template notebook against a set of values, without producing output.
func CheckTemplates(ipynb string, values params.Values) error {
	_, err := Render(ipynb, values)
	return err
}
