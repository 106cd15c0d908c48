package tlprogram

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

type xmlPhase struct {
	Duration string `xml:"duration,attr"`
	State    string `xml:"state,attr"`
}

type xmlProgram struct {
	XMLName   xml.Name   `xml:"tlLogic"`
	ID        string     `xml:"id,attr"`
	Type      string     `xml:"type,attr,omitempty"`
	ProgramID string     `xml:"programID,attr,omitempty"`
	Offset    string     `xml:"offset,attr,omitempty"`
	Phases    []xmlPhase `xml:"phase"`
}

// ParseXML extracts every tlLogic element of a network document. Fractional
// durations are rounded to whole seconds and each program must then pass
// Validate.
func ParseXML(r io.Reader) ([]Program, error) {
	dec := xml.NewDecoder(r)
	var out []Program
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse network: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "tlLogic" {
			continue
		}
		var raw xmlProgram
		if err := dec.DecodeElement(&raw, &start); err != nil {
			return nil, fmt.Errorf("decode tlLogic: %w", err)
		}
		program, err := raw.program()
		if err != nil {
			return nil, err
		}
		if err := program.Validate(); err != nil {
			return nil, fmt.Errorf("tlLogic %s: %w", raw.ID, err)
		}
		out = append(out, program)
	}
}

// RewriteXML copies a network document from r to w, replacing each tlLogic
// element whose id appears in programs. Everything else is copied through.
func RewriteXML(r io.Reader, w io.Writer, programs map[string]Program) error {
	dec := xml.NewDecoder(r)
	enc := xml.NewEncoder(w)
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read network: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "tlLogic" {
			if replacement, found := programs[attr(start, "id")]; found {
				if err := skipRaw(dec); err != nil {
					return err
				}
				if err := enc.Encode(fromProgram(replacement)); err != nil {
					return fmt.Errorf("write tlLogic %s: %w", replacement.ID, err)
				}
				continue
			}
		}
		if err := enc.EncodeToken(flatten(xml.CopyToken(tok))); err != nil {
			return fmt.Errorf("write network: %w", err)
		}
	}
	return enc.Flush()
}

func (x xmlProgram) program() (Program, error) {
	p := Program{ID: x.ID, Type: x.Type, ProgramID: x.ProgramID, Offset: x.Offset}
	for i, ph := range x.Phases {
		d, err := strconv.ParseFloat(ph.Duration, 64)
		if err != nil {
			return Program{}, fmt.Errorf("tlLogic %s phase %d duration %q: %w", x.ID, i, ph.Duration, err)
		}
		p.Phases = append(p.Phases, Phase{Duration: int(math.Round(d)), State: ph.State})
	}
	return p, nil
}

func fromProgram(p Program) xmlProgram {
	out := xmlProgram{ID: p.ID, Type: p.Type, ProgramID: p.ProgramID, Offset: p.Offset}
	for _, ph := range p.Phases {
		out.Phases = append(out.Phases, xmlPhase{Duration: strconv.Itoa(ph.Duration), State: ph.State})
	}
	return out
}

func attr(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// skipRaw consumes tokens up to the end of the element just started.
func skipRaw(dec *xml.Decoder) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.RawToken()
		if err != nil {
			return fmt.Errorf("skip tlLogic: %w", err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

// flatten folds raw namespace prefixes back into local names so the encoder
// writes them verbatim instead of inventing namespace declarations.
func flatten(tok xml.Token) xml.Token {
	fold := func(n xml.Name) xml.Name {
		if n.Space == "" {
			return n
		}
		return xml.Name{Local: n.Space + ":" + n.Local}
	}
	switch t := tok.(type) {
	case xml.StartElement:
		t.Name = fold(t.Name)
		attrs := make([]xml.Attr, len(t.Attr))
		for i, a := range t.Attr {
			attrs[i] = xml.Attr{Name: fold(a.Name), Value: a.Value}
		}
		t.Attr = attrs
		return t
	case xml.EndElement:
		t.Name = fold(t.Name)
		return t
	}
	return tok
}
