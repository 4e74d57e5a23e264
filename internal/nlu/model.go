package nlu

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/xela07ax/agentlab/internal/domain"
)

var (
	ErrIntentExists   = fmt.Errorf("%w: intent already exists", domain.ErrInvalidRequest)
	ErrIntentNotFound = errors.New("intent not found")
	ErrEntityExists   = fmt.Errorf("%w: entity already exists", domain.ErrInvalidRequest)
	ErrEntityNotFound = errors.New("entity not found")
)

var nameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	maxNameLen        = 100
	minIntentExamples = 2
)

// EntityExample — размеченная сущность внутри примера. Start/End в символах чистого текста.
type EntityExample struct {
	Value  string `json:"value"`
	Entity string `json:"entity"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

type Example struct {
	Text     string          `json:"text"`
	Entities []EntityExample `json:"entities"`
}

type Intent struct {
	Name     string    `json:"name"`
	Examples []Example `json:"examples"`
}

// Entity хранится в nlu.yml как lookup-таблица.
type Entity struct {
	Name     string   `json:"name"`
	Examples []string `json:"examples"`
}

type Data struct {
	Intents  []Intent `json:"intents"`
	Entities []Entity `json:"entities"`
}

func validName(kind, name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: %s name must be 1..%d characters", domain.ErrInvalidRequest, kind, maxNameLen)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %s name %q must contain only letters, numbers and underscores", domain.ErrInvalidRequest, kind, name)
	}
	return nil
}

func (i *Intent) Validate() error {
	if err := validName("intent", i.Name); err != nil {
		return err
	}
	if len(i.Examples) < minIntentExamples {
		return fmt.Errorf("%w: intent %q must have at least %d examples", domain.ErrInvalidRequest, i.Name, minIntentExamples)
	}
	for _, ex := range i.Examples {
		n := len([]rune(ex.Text))
		for _, e := range ex.Entities {
			if e.Start < 0 || e.End > n || e.Start > e.End {
				return fmt.Errorf("%w: entity %q is out of bounds in example %q", domain.ErrInvalidRequest, e.Entity, ex.Text)
			}
		}
	}
	return nil
}

func (e *Entity) Validate() error {
	if err := validName("entity", e.Name); err != nil {
		return err
	}
	if len(e.Examples) == 0 {
		return fmt.Errorf("%w: entity %q must have at least 1 example", domain.ErrInvalidRequest, e.Name)
	}
	return nil
}

// Validate проверяет каждый интент/сущность и уникальность имен.
func (d *Data) Validate() error {
	seen := make(map[string]struct{}, len(d.Intents))
	for i := range d.Intents {
		if err := d.Intents[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Intents[i].Name]; dup {
			return fmt.Errorf("%w: intent names must be unique (%q)", domain.ErrInvalidRequest, d.Intents[i].Name)
		}
		seen[d.Intents[i].Name] = struct{}{}
	}
	seen = make(map[string]struct{}, len(d.Entities))
	for i := range d.Entities {
		if err := d.Entities[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Entities[i].Name]; dup {
			return fmt.Errorf("%w: entity names must be unique (%q)", domain.ErrInvalidRequest, d.Entities[i].Name)
		}
		seen[d.Entities[i].Name] = struct{}{}
	}
	return nil
}

func (d *Data) IntentNames() []string {
	out := make([]string, 0, len(d.Intents))
	for _, i := range d.Intents {
		out = append(out, i.Name)
	}
	return out
}

func (d *Data) indexOf(name string) int {
	for i := range d.Intents {
		if d.Intents[i].Name == name {
			return i
		}
	}
	return -1
}

func (d *Data) Intent(name string) (*Intent, bool) {
	if i := d.indexOf(name); i >= 0 {
		return &d.Intents[i], true
	}
	return nil, false
}

func (d *Data) AddIntent(in Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}
	if d.indexOf(in.Name) >= 0 {
		return fmt.Errorf("%w: %q", ErrIntentExists, in.Name)
	}
	d.Intents = append(d.Intents, in)
	return nil
}

// ReplaceIntent заменяет интент name на in (переименование допускается, если новое имя свободно).
func (d *Data) ReplaceIntent(name string, in Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}
	idx := d.indexOf(name)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrIntentNotFound, name)
	}
	if in.Name != name && d.indexOf(in.Name) >= 0 {
		return fmt.Errorf("%w: %q", ErrIntentExists, in.Name)
	}
	d.Intents[idx] = in
	return nil
}

func (d *Data) RemoveIntent(name string) error {
	idx := d.indexOf(name)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrIntentNotFound, name)
	}
	d.Intents = append(d.Intents[:idx], d.Intents[idx+1:]...)
	return nil
}

func (d *Data) entityIndex(name string) int {
	for i := range d.Entities {
		if d.Entities[i].Name == name {
			return i
		}
	}
	return -1
}

func (d *Data) AddEntity(e Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if d.entityIndex(e.Name) >= 0 {
		return fmt.Errorf("%w: %q", ErrEntityExists, e.Name)
	}
	d.Entities = append(d.Entities, e)
	return nil
}

// ReplaceEntity — как ReplaceIntent: переименование допускается, если имя свободно.
func (d *Data) ReplaceEntity(name string, e Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	idx := d.entityIndex(name)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrEntityNotFound, name)
	}
	if e.Name != name && d.entityIndex(e.Name) >= 0 {
		return fmt.Errorf("%w: %q", ErrEntityExists, e.Name)
	}
	d.Entities[idx] = e
	return nil
}

func (d *Data) RemoveEntity(name string) error {
	idx := d.entityIndex(name)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrEntityNotFound, name)
	}
	d.Entities = append(d.Entities[:idx], d.Entities[idx+1:]...)
	return nil
}
