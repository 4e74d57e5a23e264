package nlu

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const formatVersion = "3.1"

type nluFile struct {
	Version string    `yaml:"version,omitempty"`
	NLU     []nluItem `yaml:"nlu"`
}

type nluItem struct {
	Intent   string `yaml:"intent,omitempty"`
	Lookup   string `yaml:"lookup,omitempty"`
	Examples string `yaml:"examples"`
}

// Codec читает и пишет обучающие данные агента (nlu.yml, domain.yml).
type Codec struct {
	fs     afero.Fs
	logger *zap.Logger
}

func NewCodec(fsys afero.Fs, logger *zap.Logger) *Codec {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Codec{fs: fsys, logger: logger.Named("nlu")}
}

// Load читает nlu.yml. Отсутствующий файл — пустые данные, не ошибка.
func (c *Codec) Load(path string) (*Data, error) {
	data := &Data{Intents: []Intent{}, Entities: []Entity{}}

	raw, err := afero.ReadFile(c.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read nlu data: %w", err)
	}

	var file nluFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse nlu data %s: %w", path, err)
	}

	for _, item := range file.NLU {
		switch {
		case item.Intent != "":
			in := Intent{Name: item.Intent, Examples: []Example{}}
			for _, line := range parseExamples(item.Examples) {
				in.Examples = append(in.Examples, ParseExample(line))
			}
			data.Intents = append(data.Intents, in)
		case item.Lookup != "":
			data.Entities = append(data.Entities, Entity{Name: item.Lookup, Examples: parseExamples(item.Examples)})
		}
	}
	return data, nil
}

// Save перезаписывает nlu.yml целиком: интенты с разметкой сущностей, затем lookup-таблицы.
func (c *Codec) Save(path string, data *Data) error {
	file := nluFile{Version: formatVersion, NLU: make([]nluItem, 0, len(data.Intents)+len(data.Entities))}
	for _, in := range data.Intents {
		lines := make([]string, 0, len(in.Examples))
		for _, ex := range in.Examples {
			lines = append(lines, RenderExample(ex))
		}
		file.NLU = append(file.NLU, nluItem{Intent: in.Name, Examples: renderExamples(lines)})
	}
	for _, e := range data.Entities {
		file.NLU = append(file.NLU, nluItem{Lookup: e.Name, Examples: renderExamples(e.Examples)})
	}

	raw, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshal nlu data: %w", err)
	}
	if err := c.writeFile(path, raw); err != nil {
		return fmt.Errorf("write nlu data: %w", err)
	}
	c.logger.Debug("nlu data saved", zap.String("path", path),
		zap.Int("intents", len(data.Intents)), zap.Int("entities", len(data.Entities)))
	return nil
}

// UpdateDomainIntents выставляет список intents в domain.yml, сохраняя
// остальные ключи, их порядок и комментарии.
func (c *Codec) UpdateDomainIntents(path string, names []string) error {
	var doc yaml.Node
	raw, err := afero.ReadFile(c.fs, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read domain: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse domain %s: %w", path, err)
		}
	}

	root := domainRoot(&doc)
	setKey(root, "intents", stringSeq(names))

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal domain: %w", err)
	}
	if err := c.writeFile(path, out); err != nil {
		return fmt.Errorf("write domain: %w", err)
	}
	return nil
}

// DomainIntents — список intents из domain.yml (для сверки с nlu.yml).
func (c *Codec) DomainIntents(path string) ([]string, error) {
	raw, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read domain: %w", err)
	}
	var dom struct {
		Intents []string `yaml:"intents"`
	}
	if err := yaml.Unmarshal(raw, &dom); err != nil {
		return nil, fmt.Errorf("parse domain %s: %w", path, err)
	}
	return dom.Intents, nil
}

func (c *Codec) writeFile(path string, data []byte) error {
	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return err
	}
	if err := c.fs.Rename(tmp, path); err != nil {
		_ = c.fs.Remove(tmp)
		return err
	}
	return nil
}

// domainRoot возвращает корневой mapping документа, создавая заготовку для пустого файла.
func domainRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 && doc.Content[0].Kind == yaml.MappingNode {
		return doc.Content[0]
	}
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	setKey(root, "version", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: formatVersion, Style: yaml.SingleQuotedStyle})
	*doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	return root
}

func setKey(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

func stringSeq(items []string) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, s := range items {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s})
	}
	return seq
}
