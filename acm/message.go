package acm

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
)

// Message is the flat, serializable form of a Matrix. EntryValues is a square matrix
// indexed like EntryNames; DefaultEntryValues is indexed like DefaultEntryNames.
type Message struct {
	EntryNames         []string `json:"entry_names"`
	EntryValues        [][]bool `json:"entry_values"`
	DefaultEntryNames  []string `json:"default_entry_names,omitempty"`
	DefaultEntryValues []bool   `json:"default_entry_values,omitempty"`
}

// ToMessage serializes the matrix. Names are sorted so the output does not depend on
// insertion order. Conditional entries have no contact to evaluate and are written as false.
func (m *Matrix) ToMessage() Message {
	names := m.EntryNames()
	msg := Message{
		EntryNames:  names,
		EntryValues: make([][]bool, len(names)),
	}
	for i := range names {
		msg.EntryValues[i] = make([]bool, len(names))
	}
	for i, a := range names {
		if kind, ok := m.GetDefaultEntry(a); ok {
			msg.DefaultEntryNames = append(msg.DefaultEntryNames, a)
			msg.DefaultEntryValues = append(msg.DefaultEntryValues, kind == Always)
		}
		for j := i; j < len(names); j++ {
			if kind, ok := m.GetEntry(a, names[j]); ok {
				allowed := kind == Always
				msg.EntryValues[i][j] = allowed
				msg.EntryValues[j][i] = allowed
			}
		}
	}
	return msg
}

// FromMessage builds a matrix from its serialized form.
func FromMessage(msg Message) (*Matrix, error) {
	if len(msg.EntryNames) != len(msg.EntryValues) {
		return nil, errors.Errorf("allowed collision message has %d names but %d rows",
			len(msg.EntryNames), len(msg.EntryValues))
	}
	if len(msg.DefaultEntryNames) != len(msg.DefaultEntryValues) {
		return nil, errors.Errorf("allowed collision message has %d default names but %d default values",
			len(msg.DefaultEntryNames), len(msg.DefaultEntryValues))
	}
	m := New()
	for i, row := range msg.EntryValues {
		if len(row) != len(msg.EntryNames) {
			return nil, errors.Errorf("row for %q has %d values, expected %d",
				msg.EntryNames[i], len(row), len(msg.EntryNames))
		}
		for j := i + 1; j < len(row); j++ {
			m.SetEntry(msg.EntryNames[i], msg.EntryNames[j], row[j])
		}
	}
	for i, name := range msg.DefaultEntryNames {
		m.SetDefaultEntry(name, msg.DefaultEntryValues[i])
	}
	return m, nil
}

// Fprint renders the matrix as a text table: 1 allowed, 0 not allowed, ? conditional,
// blank when no explicit entry exists.
func (m *Matrix) Fprint(w io.Writer) {
	names := m.EntryNames()

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)

	header := table.Row{"", "body", "default"}
	for i := range names {
		header = append(header, strconv.Itoa(i))
	}
	tw.AppendHeader(header)

	for i, a := range names {
		def := ""
		if kind, ok := m.GetDefaultEntry(a); ok {
			def = kind.String()
		}
		row := table.Row{i, a, def}
		for _, b := range names {
			row = append(row, cell(m, a, b))
		}
		tw.AppendRow(row)
	}
	tw.Render()
}

func cell(m *Matrix, a, b string) string {
	kind, ok := m.GetEntry(a, b)
	if !ok {
		return ""
	}
	switch kind {
	case Always:
		return "1"
	case Conditional:
		return "?"
	case Never:
		return "0"
	default:
		return fmt.Sprint(kind)
	}
}
