package executor

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/orchestra/pkg/plan"
)

// statusDecorator adds startTime, endTime and status attributes to each
// step, and an <exception> element to failed ones.
type statusDecorator struct {
	pe *PlanExecution
}

func (d statusDecorator) StepAttrs(step plan.Step) []xml.Attr {
	s, ok := d.pe.steps[step.ID()]
	if !ok {
		return nil
	}
	r, completed := s.result()

	var attrs []xml.Attr
	if !r.StartTime.IsZero() {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "startTime"}, Value: r.StartTime.Format(time.RFC3339Nano)})
	}
	if completed {
		attrs = append(attrs,
			xml.Attr{Name: xml.Name{Local: "endTime"}, Value: r.EndTime.Format(time.RFC3339Nano)},
			xml.Attr{Name: xml.Name{Local: "status"}, Value: string(r.Status)},
		)
	}
	return attrs
}

func (d statusDecorator) WriteStepContent(enc *xml.Encoder, step plan.Step) error {
	s, ok := d.pe.steps[step.ID()]
	if !ok {
		return nil
	}
	r, completed := s.result()
	if !completed || r.Err == nil {
		return nil
	}

	start := xml.StartElement{
		Name: xml.Name{Local: "exception"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "type"}, Value: fmt.Sprintf("%T", r.Err)},
			{Name: xml.Name{Local: "message"}, Value: r.Err.Error()},
		},
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if err := enc.EncodeToken(xml.CharData(trace(r.Err, r.Stack))); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

// trace renders the chain of wrapped errors followed by the stack captured
// when the leaf failed. For a panic that is the stack of the panicking
// goroutine.
func trace(err error, stack []byte) string {
	var chain []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	out := strings.Join(chain, "\ncaused by ")
	if len(stack) > 0 {
		out += "\n\n" + string(stack)
	}
	return out
}
