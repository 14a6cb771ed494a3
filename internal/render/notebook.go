package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Notebook is an nbformat v4 document. Fields this package does not
// interpret are carried through untouched.
type Notebook struct {
	Cells    []*Cell
	Metadata map[string]json.RawMessage
	extra    map[string]json.RawMessage
}

// Cell is one notebook cell.
type Cell struct {
	Type           string
	Source         string
	Outputs        []Output
	ExecutionCount *int
	extra          map[string]json.RawMessage
}

// Output is one code cell output.
type Output struct {
	OutputType string               `json:"output_type"`
	Name       string               `json:"name,omitempty"`
	Text       multiline            `json:"text,omitempty"`
	Data       map[string]multiline `json:"data,omitempty"`
	EName      string               `json:"ename,omitempty"`
	EValue     string               `json:"evalue,omitempty"`
	Traceback  []string             `json:"traceback,omitempty"`
}

// multiline is nbformat's "string or list of strings" text field.
type multiline string

func (m *multiline) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multiline(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*m = multiline(strings.Join(lines, ""))
	return nil
}

func (m multiline) MarshalJSON() ([]byte, error) {
	return json.Marshal(splitLines(string(m)))
}

// splitLines splits text into nbformat source lines, each keeping its
// trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// FormatError reports input that is not a readable notebook.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return "the notebook is not a valid ipynb file: " + e.Err.Error()
}

func (e *FormatError) Unwrap() error { return e.Err }

// ParseNotebook decodes an ipynb JSON document.
func ParseNotebook(ipynb string) (*Notebook, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(ipynb), &top); err != nil {
		return nil, &FormatError{Err: err}
	}
	rawCells, ok := top["cells"]
	if !ok {
		return nil, &FormatError{Err: errors.New("missing cells")}
	}
	delete(top, "cells")

	var cellObjs []map[string]json.RawMessage
	if err := json.Unmarshal(rawCells, &cellObjs); err != nil {
		return nil, &FormatError{Err: fmt.Errorf("cells: %w", err)}
	}

	nb := &Notebook{Metadata: map[string]json.RawMessage{}, extra: top}
	if rawMeta, ok := top["metadata"]; ok {
		if err := json.Unmarshal(rawMeta, &nb.Metadata); err != nil {
			return nil, &FormatError{Err: fmt.Errorf("metadata: %w", err)}
		}
		delete(top, "metadata")
	}

	for i, obj := range cellObjs {
		cell, err := parseCell(obj)
		if err != nil {
			return nil, &FormatError{Err: fmt.Errorf("cell %d: %w", i, err)}
		}
		nb.Cells = append(nb.Cells, cell)
	}
	return nb, nil
}

func parseCell(obj map[string]json.RawMessage) (*Cell, error) {
	cell := &Cell{extra: obj}
	if err := json.Unmarshal(obj["cell_type"], &cell.Type); err != nil {
		return nil, fmt.Errorf("cell_type: %w", err)
	}
	delete(obj, "cell_type")

	if raw, ok := obj["source"]; ok {
		var src multiline
		if err := json.Unmarshal(raw, &src); err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		cell.Source = string(src)
		delete(obj, "source")
	}
	if raw, ok := obj["outputs"]; ok {
		if err := json.Unmarshal(raw, &cell.Outputs); err != nil {
			return nil, fmt.Errorf("outputs: %w", err)
		}
		delete(obj, "outputs")
	}
	if raw, ok := obj["execution_count"]; ok {
		if err := json.Unmarshal(raw, &cell.ExecutionCount); err != nil {
			return nil, fmt.Errorf("execution_count: %w", err)
		}
		delete(obj, "execution_count")
	}
	return cell, nil
}

// Marshal encodes the notebook back to ipynb JSON.
func (nb *Notebook) Marshal() (string, error) {
	top := make(map[string]any, len(nb.extra)+2)
	for k, v := range nb.extra {
		top[k] = v
	}
	top["metadata"] = nb.Metadata

	cells := make([]map[string]any, 0, len(nb.Cells))
	for _, cell := range nb.Cells {
		obj := make(map[string]any, len(cell.extra)+4)
		for k, v := range cell.extra {
			obj[k] = v
		}
		obj["cell_type"] = cell.Type
		obj["source"] = multiline(cell.Source)
		if cell.Type == "code" {
			outputs := cell.Outputs
			if outputs == nil {
				outputs = []Output{}
			}
			obj["outputs"] = outputs
			obj["execution_count"] = cell.ExecutionCount
		}
		cells = append(cells, obj)
	}
	top["cells"] = cells

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	if err := enc.Encode(top); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SetTimesSquareMetadata merges key into the notebook's "times-square"
// metadata object.
func (nb *Notebook) SetTimesSquareMetadata(key string, value any) error {
	section := map[string]json.RawMessage{}
	if raw, ok := nb.Metadata["times-square"]; ok {
		if err := json.Unmarshal(raw, &section); err != nil {
			return fmt.Errorf("times-square metadata: %w", err)
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	section[key] = encoded
	merged, err := json.Marshal(section)
	if err != nil {
		return err
	}
	nb.Metadata["times-square"] = merged
	return nil
}

// TimesSquareMetadata decodes one key of the "times-square" metadata
// object into out. It reports false when the key is absent.
func (nb *Notebook) TimesSquareMetadata(key string, out any) (bool, error) {
	raw, ok := nb.Metadata["times-square"]
	if !ok {
		return false, nil
	}
	section := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &section); err != nil {
		return false, fmt.Errorf("times-square metadata: %w", err)
	}
	val, ok := section[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(val, out); err != nil {
		return false, fmt.Errorf("times-square metadata %s: %w", key, err)
	}
	return true, nil
}
