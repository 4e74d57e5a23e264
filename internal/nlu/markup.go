package nlu

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Разметка сущностей: [значение](тип)
var markupRe = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)

// ParseExample снимает разметку и возвращает чистый текст с позициями сущностей.
func ParseExample(line string) Example {
	ex := Example{Entities: []EntityExample{}}

	var b strings.Builder
	last := 0
	for _, m := range markupRe.FindAllStringSubmatchIndex(line, -1) {
		b.WriteString(line[last:m[0]])
		value, entity := line[m[2]:m[3]], line[m[4]:m[5]]

		start := utf8.RuneCountInString(b.String())
		b.WriteString(value)
		ex.Entities = append(ex.Entities, EntityExample{
			Value:  value,
			Entity: entity,
			Start:  start,
			End:    start + utf8.RuneCountInString(value),
		})
		last = m[1]
	}
	b.WriteString(line[last:])

	// Пробелы по краям срезаются, позиции сдвигаются на срезанный префикс
	raw := b.String()
	trimmed := strings.TrimSpace(raw)
	if shift := utf8.RuneCountInString(raw[:strings.Index(raw, trimmed)]); shift > 0 {
		for i := range ex.Entities {
			ex.Entities[i].Start -= shift
			ex.Entities[i].End -= shift
		}
	}
	ex.Text = trimmed
	return ex
}

// RenderExample восстанавливает разметку по позициям сущностей.
func RenderExample(ex Example) string {
	text := []rune(ex.Text)
	ents := append([]EntityExample(nil), ex.Entities...)
	sort.SliceStable(ents, func(i, j int) bool { return ents[i].Start > ents[j].Start })

	for _, e := range ents {
		if e.Start < 0 || e.End > len(text) || e.Start > e.End {
			continue
		}
		markup := []rune("[" + e.Value + "](" + e.Entity + ")")
		out := make([]rune, 0, len(text)+len(markup))
		out = append(out, text[:e.Start]...)
		out = append(out, markup...)
		out = append(out, text[e.End:]...)
		text = out
	}
	return string(text)
}

func parseExamples(block string) []string {
	var out []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimLeft(line, "-"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func renderExamples(lines []string) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(l)
	}
	return b.String()
}
