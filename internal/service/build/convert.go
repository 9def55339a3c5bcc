package build

import (
	"encoding/json"
	"fmt"
	"strings"

	"notebook-builder/internal/domain"
)

// scriptHeader starts every converted script.
const scriptHeader = "#!/usr/bin/env python3\n# coding: utf-8\n"

type notebookFile struct {
	NBFormat int            `json:"nbformat"`
	Cells    []notebookCell `json:"cells"`
}

type notebookCell struct {
	CellType string          `json:"cell_type"`
	Source   json.RawMessage `json:"source"`
}

// text returns the cell source, which nbformat stores either as one string or
// as a list of lines.
func (c notebookCell) text() (string, error) {
	if len(c.Source) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(c.Source, &s); err == nil {
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(c.Source, &lines); err != nil {
		return "", err
	}
	return strings.Join(lines, ""), nil
}

// ConvertNotebook exports a notebook as an importable Python script. Only
// code cells are kept, without execution counts; a cell that uses an
// interactive-only construct (line or cell magics, shell escapes, help
// queries, get_ipython) is dropped whole.
func ConvertNotebook(raw []byte) (string, error) {
	var nb notebookFile
	if err := json.Unmarshal(raw, &nb); err != nil {
		return "", domain.ErrValidation("notebook is not valid JSON: %v", err)
	}
	if nb.NBFormat < 4 {
		return "", domain.ErrValidation("notebook format %d is not supported", nb.NBFormat)
	}

	var b strings.Builder
	b.WriteString(scriptHeader)
	for i, cell := range nb.Cells {
		if cell.CellType != "code" {
			continue
		}
		src, err := cell.text()
		if err != nil {
			return "", domain.ErrValidation("cell %d has malformed source: %v", i, err)
		}
		src = strings.TrimRight(src, "\n")
		if strings.TrimSpace(src) == "" || interactiveOnly(src) {
			continue
		}
		fmt.Fprintf(&b, "\n\n%s\n", src)
	}
	return b.String(), nil
}

func interactiveOnly(src string) bool {
	if strings.Contains(src, "get_ipython") {
		return true
	}
	for _, line := range strings.Split(src, "\n") {
		t := strings.TrimSpace(line)
		switch {
		case t == "" || strings.HasPrefix(t, "#"):
			continue
		case strings.HasPrefix(t, "%"), strings.HasPrefix(t, "!"):
			return true
		case strings.Contains(t, "= !"), strings.Contains(t, "=!"):
			return true
		case strings.HasSuffix(t, "?") && !strings.ContainsAny(t, "\"'"):
			return true
		}
	}
	return false
}
