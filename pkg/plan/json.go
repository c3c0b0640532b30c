package plan

import "encoding/json"

type stepJSON struct {
	ID       string            `json:"id"`
	Type     StepType          `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Steps    []stepJSON        `json:"steps,omitempty"`
}

func toStepJSON(s Step) stepJSON {
	out := stepJSON{ID: s.ID(), Type: s.Type(), Metadata: s.Metadata()}
	if c, ok := s.(*CompositeStep); ok {
		for _, child := range c.steps {
			out.Steps = append(out.Steps, toStepJSON(child))
		}
	}
	return out
}

// StepsToJSON renders steps as a JSON list of {id, type, metadata, steps} objects.
func StepsToJSON(steps ...Step) ([]byte, error) {
	list := make([]stepJSON, 0, len(steps))
	for _, s := range steps {
		list = append(list, toStepJSON(s))
	}
	return json.Marshal(list)
}

// MarshalJSON implements json.Marshaler.
func (p *Plan) MarshalJSON() ([]byte, error) {
	doc := struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata,omitempty"`
		Steps    []stepJSON        `json:"steps"`
	}{ID: p.id, Metadata: p.metadata, Steps: []stepJSON{}}
	if p.root != nil {
		doc.Steps = append(doc.Steps, toStepJSON(p.root))
	}
	return json.Marshal(doc)
}
