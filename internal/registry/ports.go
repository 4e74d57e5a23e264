package registry

import (
	"fmt"
	"net"
	"strconv"

	"github.com/xela07ax/agentlab/internal/domain"
)

// ExhaustedRangeError — в диапазоне не нашлось ни одного свободного порта.
type ExhaustedRangeError struct {
	Lower, Upper int
}

func (e *ExhaustedRangeError) Error() string {
	return fmt.Sprintf("no free port in range [%d, %d)", e.Lower, e.Upper)
}

func (e *ExhaustedRangeError) Is(target error) bool {
	return target == domain.ErrPortExhausted
}

// BindCheckFunc возвращает true, если порт можно занять прямо сейчас.
type BindCheckFunc func(port int) bool

// PortAllocator подбирает порт, свободный и в реестре, и на уровне ОС.
// Сам состояние не держит: занятые порты передает реестр под своей блокировкой.
type PortAllocator struct {
	check BindCheckFunc
}

func NewPortAllocator(bindHost string) *PortAllocator {
	return &PortAllocator{check: BindCheck(bindHost)}
}

// NewPortAllocatorWithCheck — для тестов и нестандартных окружений.
func NewPortAllocatorWithCheck(check BindCheckFunc) *PortAllocator {
	return &PortAllocator{check: check}
}

// BindCheck проверяет порт пробным bind'ом. Пустой host — все интерфейсы.
func BindCheck(host string) BindCheckFunc {
	return func(port int) bool {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close() // Сразу отпускаем: порт займет процесс агента
		return true
	}
}

// Allocate сканирует [lower, upper) по возрастанию и возвращает первый порт,
// которого нет в held и который прошел пробный bind.
// Между пробой и стартом агента порт может занять чужой процесс: такой отказ
// вызывающий обрабатывает повторным выделением (Registry.Reallocate).
func (a *PortAllocator) Allocate(lower, upper int, held map[int]struct{}) (int, error) {
	for port := lower; port < upper; port++ {
		if _, taken := held[port]; taken {
			continue
		}
		if !a.check(port) {
			continue
		}
		return port, nil
	}
	return 0, &ExhaustedRangeError{Lower: lower, Upper: upper}
}
