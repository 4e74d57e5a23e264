package agentclient

import (
	"strings"

	"github.com/xela07ax/agentlab/internal/domain"
)

const (
	SourceAgent     = "agent"     // Классификацию вернул сам агент
	SourceHeuristic = "heuristic" // Подбор по ключевым словам, не NLU
)

// Classification — интент и сущности реплики пользователя.
type Classification struct {
	Intent     string          `json:"intent"`
	Confidence float64         `json:"confidence"`
	Entities   []domain.Entity `json:"entities"`
	Source     string          `json:"source"`
}

type keywordRule struct {
	intent     string
	confidence float64
	stems      []string
}

// Порядок важен: срабатывает первое совпадение.
var keywordRules = []keywordRule{
	{"greet", 0.95, []string{"привет", "здравствуй", "хай", "добрый", "здорово"}},
	{"goodbye", 0.9, []string{"пока", "до свидания", "прощай", "всего"}},
	{"faq_delivery", 0.85, []string{"доставк", "доставят", "курьер"}},
	{"faq_payment", 0.85, []string{"оплат", "карт", "деньги"}},
	{"faq_contacts", 0.85, []string{"контакт", "телефон", "адрес"}},
	{"request_booking", 0.9, []string{"запис", "бронирован"}},
}

const (
	unknownIntent     = "unknown"
	unknownConfidence = 0.8
)

// Classify — ЭВРИСТИКА, а не NLU: ищет подстроки-основы в тексте и
// возвращает фиксированную уверенность правила. Используется, только когда
// агент не прислал собственную классификацию. Сущности не извлекает.
func Classify(text string) Classification {
	lower := strings.ToLower(text)
	for _, rule := range keywordRules {
		for _, stem := range rule.stems {
			if strings.Contains(lower, stem) {
				return Classification{
					Intent:     rule.intent,
					Confidence: rule.confidence,
					Entities:   []domain.Entity{},
					Source:     SourceHeuristic,
				}
			}
		}
	}
	return Classification{
		Intent:     unknownIntent,
		Confidence: unknownConfidence,
		Entities:   []domain.Entity{},
		Source:     SourceHeuristic,
	}
}
