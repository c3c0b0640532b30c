package plan

import (
	"bytes"
	"encoding/xml"
	"io"
)

// XMLDecorator adds details (such as execution status) to the XML of each step.
type XMLDecorator interface {
	// StepAttrs returns extra attributes for the step element.
	StepAttrs(step Step) []xml.Attr

	// WriteStepContent writes extra child elements before the step's children.
	WriteStepContent(enc *xml.Encoder, step Step) error
}

// EncodeXML writes the plan as nested <sequential>, <parallel> and <leaf>
// elements under a <plan> element. Metadata becomes attributes.
func EncodeXML(w io.Writer, p *Plan, deco XMLDecorator) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	start := xml.StartElement{
		Name: xml.Name{Local: "plan"},
		Attr: attributes(p.id, p.metadata),
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if p.root != nil {
		if err := encodeStep(enc, p.root, deco); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return err
	}
	return enc.Flush()
}

func encodeStep(enc *xml.Encoder, s Step, deco XMLDecorator) error {
	start := xml.StartElement{
		Name: xml.Name{Local: string(s.Type())},
		Attr: attributes(s.ID(), s.Metadata()),
	}
	if deco != nil {
		start.Attr = append(start.Attr, deco.StepAttrs(s)...)
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if deco != nil {
		if err := deco.WriteStepContent(enc, s); err != nil {
			return err
		}
	}
	if c, ok := s.(*CompositeStep); ok {
		for _, child := range c.steps {
			if err := encodeStep(enc, child, deco); err != nil {
				return err
			}
		}
	}
	return enc.EncodeToken(start.End())
}

func attributes(id string, metadata map[string]string) []xml.Attr {
	attrs := []xml.Attr{{Name: xml.Name{Local: "id"}, Value: id}}
	for _, k := range sortedKeys(metadata) {
		if k == "id" {
			continue
		}
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: k}, Value: metadata[k]})
	}
	return attrs
}

// ToXML renders the plan as XML.
func (p *Plan) ToXML() (string, error) {
	var buf bytes.Buffer
	if err := EncodeXML(&buf, p, nil); err != nil {
		return "", err
	}
	return buf.String(), nil
}
