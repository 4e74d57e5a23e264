package agentclient

import (
	"errors"

	"github.com/tidwall/gjson"
	"github.com/xela07ax/agentlab/internal/domain"
)

var errMalformedReply = errors.New("agent reply is not a JSON array")

// parseReply разбирает ответ вебхука: массив {text, intent?, entities?}.
// intent бывает строкой или объектом {name, confidence}; первый найденный
// интент считается классификацией агента.
func parseReply(body []byte) ([]string, *Classification, error) {
	if !gjson.ValidBytes(body) {
		return nil, nil, errMalformedReply
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, nil, errMalformedReply
	}

	texts := make([]string, 0)
	var cls *Classification
	root.ForEach(func(_, item gjson.Result) bool {
		if t := item.Get("text"); t.Exists() && t.String() != "" {
			texts = append(texts, t.String())
		}
		if cls == nil {
			cls = classificationFrom(item)
		}
		return true
	})
	return texts, cls, nil
}

func classificationFrom(item gjson.Result) *Classification {
	intent := item.Get("intent")
	if !intent.Exists() {
		return nil
	}

	c := &Classification{Source: SourceAgent, Entities: []domain.Entity{}}
	switch {
	case intent.Type == gjson.String:
		c.Intent = intent.String()
		c.Confidence = item.Get("confidence").Float()
	case intent.IsObject():
		c.Intent = intent.Get("name").String()
		c.Confidence = intent.Get("confidence").Float()
	}
	if c.Intent == "" {
		return nil
	}

	item.Get("entities").ForEach(func(_, e gjson.Result) bool {
		c.Entities = append(c.Entities, domain.Entity{
			Entity:     e.Get("entity").String(),
			Value:      e.Get("value").String(),
			Start:      int(e.Get("start").Int()),
			End:        int(e.Get("end").Int()),
			Confidence: e.Get("confidence_entity").Float(),
		})
		return true
	})
	return c
}
