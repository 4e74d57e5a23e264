package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/metrics"
	"go.uber.org/zap"
)

// Provisioner описывает, что реестру нужно от WorkspaceProvisioner.
type Provisioner interface {
	Destination(name string, id int64) string
	Provision(kind domain.AgentType, dest string) (*domain.WorkspacePaths, error)
	WriteManifest(paths *domain.WorkspacePaths, agent *domain.Agent) error
	Remove(paths *domain.WorkspacePaths) error
}

// StatusNotifier получает каждое изменение записи после того, как оно сохранено.
type StatusNotifier interface {
	NotifyStatus(agent *domain.Agent)
	NotifyDeleted(id int64)
}

type quarantiner interface {
	Quarantine() (string, error)
}

// idFloorer — провижинер, который знает старший id среди workspace на диске.
// Так id не переиспользуются, даже если документ реестра потерян.
type idFloorer interface {
	HighestManifestID() (int64, error)
}

type Options struct {
	PortLower  int
	PortUpper  int
	StrictLoad bool

	Notifier StatusNotifier   // nil — события не публикуются
	Metrics  *metrics.Metrics // nil — метрики в никуда
}

// Registry — единственный владелец записей агентов.
// Все мутации идут через методы реестра под одним мьютексом, после каждой
// документ целиком сохраняется в Store.
type Registry struct {
	mu    sync.Mutex
	store Store
	ports *PortAllocator
	ws    Provisioner
	opts  Options

	agents []*domain.Agent // порядок вставки
	index  map[int64]*domain.Agent
	nextID int64

	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(store Store, ports *PortAllocator, ws Provisioner, opts Options, logger *zap.Logger) *Registry {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Registry{
		store:   store,
		ports:   ports,
		ws:      ws,
		opts:    opts,
		index:   make(map[int64]*domain.Agent),
		nextID:  1,
		metrics: m,
		logger:  logger.Named("registry"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Load перестраивает память из Store. Вызывается до обслуживания запросов.
// Коллизии портов и прерванный провижининг чинятся и сразу сохраняются.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.store.Load()
	if err != nil {
		if !errors.Is(err, domain.ErrStoreCorrupt) || r.opts.StrictLoad {
			return fmt.Errorf("load registry: %w", err)
		}
		// Потерять память лучше, чем не стартовать. Файл откладываем в сторону для разбора.
		fields := []zap.Field{zap.Error(err)}
		if q, ok := r.store.(quarantiner); ok {
			if moved, qErr := q.Quarantine(); qErr != nil {
				fields = append(fields, zap.NamedError("quarantine_error", qErr))
			} else {
				fields = append(fields, zap.String("moved_to", moved))
			}
		}
		r.logger.Error("REGISTRY STORE CORRUPT: starting with empty registry", fields...)
		r.metrics.ErrorTotal.WithLabelValues("store_corrupt").Inc()
		snap = &Snapshot{NextID: 1}
	}

	repaired := false
	r.agents = r.agents[:0]
	r.index = make(map[int64]*domain.Agent, len(snap.Agents))
	var maxID int64
	for _, a := range snap.Agents {
		if _, dup := r.index[a.ID]; dup {
			r.logger.Warn("duplicate agent id in store, keeping first", zap.Int64("agent_id", a.ID))
			continue
		}
		r.agents = append(r.agents, a)
		r.index[a.ID] = a
		if a.ID > maxID {
			maxID = a.ID
		}
	}
	r.nextID = max(snap.NextID, maxID+1)
	if f, ok := r.ws.(idFloorer); ok {
		floor, err := f.HighestManifestID()
		if err != nil {
			r.logger.Warn("workspace manifests not scanned", zap.Error(err))
		} else if floor >= r.nextID {
			r.logger.Warn("orphaned workspaces found, skipping their ids",
				zap.Int64("next_id", r.nextID), zap.Int64("highest_manifest_id", floor))
			r.nextID = floor + 1
			repaired = true
		}
	}

	if r.repairInterruptedLocked() {
		repaired = true
	}
	moved := r.repairPortsLocked()
	if len(moved) > 0 {
		repaired = true
	}
	if repaired {
		if err := r.persistLocked(); err != nil {
			return fmt.Errorf("persist registry repair: %w", err)
		}
	}
	for _, a := range moved {
		r.refreshManifest(a)
	}

	r.updateGaugesLocked()
	r.logger.Info("registry loaded",
		zap.Int("agents", len(r.agents)),
		zap.Int64("next_id", r.nextID),
		zap.Bool("repaired", repaired))
	return nil
}

// Persist сохраняет текущее состояние целиком.
func (r *Registry) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

// Create резервирует id и порт, копирует шаблон и сохраняет запись.
// Сбой провижининга или записи не прерывает создание: оператор получает
// запись в статусе error. Исчерпание портов — ошибка без записи.
func (r *Registry) Create(ctx context.Context, req domain.CreateAgentRequest) (*domain.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// 1. Резерв: скан портов и вставка записи под одной блокировкой
	r.mu.Lock()
	port, err := r.ports.Allocate(r.opts.PortLower, r.opts.PortUpper, r.heldPortsLocked(0))
	if err != nil {
		r.mu.Unlock()
		r.metrics.PortAllocations.WithLabelValues("exhausted").Inc()
		r.metrics.ErrorTotal.WithLabelValues("port_exhausted").Inc()
		r.logger.Error("port allocation failed", zap.String("name", req.Name), zap.Error(err))
		return nil, fmt.Errorf("allocate port: %w", err)
	}
	r.metrics.PortAllocations.WithLabelValues("ok").Inc()

	now := r.now()
	agent := &domain.Agent{
		ID:          r.nextID,
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Status:      domain.StatusCreated,
		Port:        port,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.nextID++
	r.agents = append(r.agents, agent)
	r.index[agent.ID] = agent
	reserveErr := r.persistLocked()
	r.mu.Unlock()

	if ctx.Err() != nil {
		r.logger.Warn("create request cancelled after reservation, finishing anyway",
			zap.Int64("agent_id", agent.ID))
	}

	// 2. Побочные эффекты на диске без блокировки реестра
	var provErr error
	var paths *domain.WorkspacePaths
	dest := r.ws.Destination(req.Name, agent.ID)
	paths, provErr = r.ws.Provision(req.Type, dest)
	if provErr == nil {
		snapshot := agent.Clone()
		snapshot.Paths = paths
		if err := r.ws.WriteManifest(paths, snapshot); err != nil {
			r.logger.Warn("workspace manifest not written", zap.Int64("agent_id", agent.ID), zap.Error(err))
		}
	}

	// 3. Финальный статус. Если за время провижининга запись уже сменила
	// статус (остановка), ready поверх не пишем.
	return r.transition(agent.ID, func(a *domain.Agent) error {
		if provErr != nil {
			a.Status = domain.StatusError
			a.LastError = fmt.Sprintf("%v: %v", domain.ErrProvisioningFailed, provErr)
			r.metrics.ErrorTotal.WithLabelValues("provisioning").Inc()
			r.logger.Error("workspace provisioning failed, storing degraded record",
				zap.Int64("agent_id", a.ID),
				zap.String("dest", dest),
				zap.Error(provErr))
		} else {
			a.Paths = paths
			if a.Status == domain.StatusCreated {
				a.Status = domain.StatusReady
			}
		}
		if reserveErr != nil {
			a.Status = domain.StatusError
			a.LastError = fmt.Sprintf("persist registry: %v", reserveErr)
		}
		return nil
	}, func(a *domain.Agent, persistErr error) error {
		// Запись в Store не удалась — запись остается в памяти в статусе error
		a.Status = domain.StatusError
		a.LastError = fmt.Sprintf("persist registry: %v", persistErr)
		r.metrics.ErrorTotal.WithLabelValues("persist").Inc()
		return nil
	})
}

func (r *Registry) Get(id int64) (*domain.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (r *Registry) List() []*domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out
}

// MarkTraining запоминает ревизию NLU, на которой стартует обучение.
// Агента, у которого еще копируется шаблон, обучать нельзя.
func (r *Registry) MarkTraining(id int64) (*domain.Agent, error) {
	return r.transition(id, func(a *domain.Agent) error {
		if a.Status == domain.StatusCreated {
			return fmt.Errorf("agent %d: %w: workspace is still being provisioned", id, domain.ErrInvalidRequest)
		}
		a.Status = domain.StatusTraining
		a.TrainingRevision = a.NLURevision
		return nil
	}, nil)
}

// MarkReady — обучение успешно, диагностика сбрасывается. Флаг requiresTraining
// снимается, только если NLU не правили после старта обучения.
func (r *Registry) MarkReady(id int64) (*domain.Agent, error) {
	return r.transition(id, func(a *domain.Agent) error {
		a.LastError = ""
		if a.NLURevision != a.TrainingRevision {
			a.Status = domain.StatusRequiresTraining
			a.RequiresTraining = true
			r.logger.Info("nlu data changed during training, model is already stale",
				zap.Int64("agent_id", id),
				zap.Int64("trained_revision", a.TrainingRevision),
				zap.Int64("nlu_revision", a.NLURevision))
			return nil
		}
		a.Status = domain.StatusReady
		a.RequiresTraining = false
		return nil
	}, nil)
}

// MarkError фиксирует сбой обучения вместе с диагностикой для оператора.
func (r *Registry) MarkError(id int64, diagnostics string) (*domain.Agent, error) {
	return r.transition(id, func(a *domain.Agent) error {
		a.Status = domain.StatusError
		a.RequiresTraining = true
		a.LastError = diagnostics
		return nil
	}, nil)
}

// MarkRequiresTraining вызывается после любых правок NLU данных.
func (r *Registry) MarkRequiresTraining(id int64) (*domain.Agent, error) {
	return r.transition(id, func(a *domain.Agent) error {
		a.RequiresTraining = true
		a.NLURevision++
		if a.Status != domain.StatusTraining {
			a.Status = domain.StatusRequiresTraining
		}
		return nil
	}, nil)
}

func (r *Registry) MarkStopped(id int64) (*domain.Agent, error) {
	return r.transition(id, func(a *domain.Agent) error {
		a.Status = domain.StatusStopped
		return nil
	}, nil)
}

// Reallocate выдает агенту новый порт, когда старый перехватил чужой процесс.
func (r *Registry) Reallocate(id int64) (*domain.Agent, error) {
	return r.transition(id, func(a *domain.Agent) error {
		held := r.heldPortsLocked(a.ID)
		held[a.Port] = struct{}{} // текущий порт заведомо занят
		port, err := r.ports.Allocate(r.opts.PortLower, r.opts.PortUpper, held)
		if err != nil {
			r.metrics.PortAllocations.WithLabelValues("exhausted").Inc()
			return fmt.Errorf("reallocate port: %w", err)
		}
		r.metrics.PortAllocations.WithLabelValues("ok").Inc()
		r.logger.Info("agent port reallocated",
			zap.Int64("agent_id", a.ID), zap.Int("old_port", a.Port), zap.Int("new_port", port))
		a.Port = port
		if a.Status == domain.StatusStopped {
			a.Status = domain.StatusReady
		}
		return nil
	}, nil)
}

// Delete удаляет запись и рабочую директорию агента.
// Неизвестный id — false без каких-либо изменений в Store.
func (r *Registry) Delete(id int64) (bool, error) {
	r.mu.Lock()
	a, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.index, id)
	for i, cur := range r.agents {
		if cur.ID == id {
			r.agents = append(r.agents[:i], r.agents[i+1:]...)
			break
		}
	}
	persistErr := r.persistLocked()
	r.updateGaugesLocked()
	r.mu.Unlock()

	if a.Paths != nil {
		if err := r.ws.Remove(a.Paths); err != nil {
			r.logger.Warn("workspace not removed", zap.Int64("agent_id", id), zap.Error(err))
		}
	}
	if r.opts.Notifier != nil {
		r.opts.Notifier.NotifyDeleted(id)
	}

	r.logger.Info("agent deleted", zap.Int64("agent_id", id), zap.String("name", a.Name))
	if persistErr != nil {
		return true, fmt.Errorf("persist registry: %w", persistErr)
	}
	return true, nil
}

// transition — единый механизм мутации записи: apply -> UpdatedAt -> persist -> notify.
// onPersistErr может поглотить ошибку записи (Create), иначе она возвращается.
func (r *Registry) transition(
	id int64,
	apply func(a *domain.Agent) error,
	onPersistErr func(a *domain.Agent, err error) error,
) (*domain.Agent, error) {
	r.mu.Lock()
	a, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %d: %w", id, domain.ErrNotFound)
	}

	prev := *a
	if err := apply(a); err != nil {
		*a = prev
		r.mu.Unlock()
		return nil, err
	}
	// Остановленная запись порт не держала: при возврате в активный статус
	// порт резервируется заново
	if prev.Status == domain.StatusStopped && a.Active() {
		if err := r.reclaimPortLocked(a); err != nil {
			*a = prev
			r.mu.Unlock()
			return nil, err
		}
	}
	a.UpdatedAt = r.now()

	var retErr error
	if err := r.persistLocked(); err != nil {
		r.logger.Error("failed to persist registry",
			zap.Int64("agent_id", id),
			zap.String("status", string(a.Status)),
			zap.Error(err))
		if onPersistErr != nil {
			retErr = onPersistErr(a, err)
		} else {
			retErr = fmt.Errorf("persist registry: %w", err)
		}
	}
	out := a.Clone()
	r.updateGaugesLocked()
	r.mu.Unlock()

	if out.Port != prev.Port {
		r.refreshManifest(out)
	}
	if r.opts.Notifier != nil {
		r.opts.Notifier.NotifyStatus(out)
	}
	return out, retErr
}

// reclaimPortLocked оставляет записи прежний порт, если его не занял другой
// активный агент, иначе выделяет новый.
func (r *Registry) reclaimPortLocked(a *domain.Agent) error {
	held := r.heldPortsLocked(a.ID)
	if _, taken := held[a.Port]; a.Port > 0 && !taken {
		return nil
	}
	port, err := r.ports.Allocate(r.opts.PortLower, r.opts.PortUpper, held)
	if err != nil {
		r.metrics.PortAllocations.WithLabelValues("exhausted").Inc()
		return fmt.Errorf("reclaim port: %w", err)
	}
	r.metrics.PortAllocations.WithLabelValues("ok").Inc()
	r.logger.Info("port of restarted agent was taken, reallocated",
		zap.Int64("agent_id", a.ID), zap.Int("old_port", a.Port), zap.Int("new_port", port))
	a.Port = port
	return nil
}

// refreshManifest переписывает agent.yml после смены порта. Ошибка не фатальна.
func (r *Registry) refreshManifest(a *domain.Agent) {
	if a.Paths == nil {
		return
	}
	if err := r.ws.WriteManifest(a.Paths, a); err != nil {
		r.logger.Warn("workspace manifest not refreshed", zap.Int64("agent_id", a.ID), zap.Error(err))
	}
}

func (r *Registry) persistLocked() error {
	snap := &Snapshot{
		NextID: r.nextID,
		Agents: make([]*domain.Agent, len(r.agents)),
	}
	copy(snap.Agents, r.agents)
	return r.store.Save(snap)
}

// heldPortsLocked — порты активных записей, кроме except.
func (r *Registry) heldPortsLocked(except int64) map[int]struct{} {
	held := make(map[int]struct{}, len(r.agents))
	for _, a := range r.agents {
		if a.ID != except && a.Active() && a.Port > 0 {
			held[a.Port] = struct{}{}
		}
	}
	return held
}

// repairPortsLocked: первая по порядку вставки запись сохраняет порт,
// остальным выделяется новый. Не удалось — запись уходит в error без порта.
// Возвращает клоны записей, у которых сменился порт.
func (r *Registry) repairPortsLocked() []*domain.Agent {
	owners := make(map[int]int64)
	var conflicts []*domain.Agent
	for _, a := range r.agents {
		if !a.Active() || a.Port <= 0 {
			continue
		}
		if owner, dup := owners[a.Port]; dup {
			r.logger.Warn("port collision detected",
				zap.Int("port", a.Port), zap.Int64("owner", owner), zap.Int64("agent_id", a.ID))
			conflicts = append(conflicts, a)
			continue
		}
		owners[a.Port] = a.ID
	}

	now := r.now()
	var moved []*domain.Agent
	for _, a := range conflicts {
		held := make(map[int]struct{}, len(owners))
		for p := range owners {
			held[p] = struct{}{}
		}
		port, err := r.ports.Allocate(r.opts.PortLower, r.opts.PortUpper, held)
		if err != nil {
			r.logger.Error("port collision not repaired", zap.Int64("agent_id", a.ID), zap.Error(err))
			a.Status = domain.StatusError
			a.LastError = fmt.Sprintf("port %d collision not repaired: %v", a.Port, err)
			a.Port = 0
		} else {
			r.logger.Info("port collision repaired",
				zap.Int64("agent_id", a.ID), zap.Int("old_port", a.Port), zap.Int("new_port", port))
			a.Port = port
			owners[port] = a.ID
		}
		a.UpdatedAt = now
		moved = append(moved, a.Clone())
	}
	return moved
}

// repairInterruptedLocked: created/training после рестарта означает, что процесс
// оркестратора упал посреди провижининга или обучения. Фоновой задачи больше нет.
func (r *Registry) repairInterruptedLocked() bool {
	repaired := false
	now := r.now()
	for _, a := range r.agents {
		switch a.Status {
		case domain.StatusCreated:
			a.LastError = "provisioning interrupted by orchestrator restart"
		case domain.StatusTraining:
			a.RequiresTraining = true
			a.LastError = "training interrupted by orchestrator restart"
		default:
			continue
		}
		r.logger.Warn("interrupted operation found on load",
			zap.Int64("agent_id", a.ID), zap.String("status", string(a.Status)))
		a.Status = domain.StatusError
		a.UpdatedAt = now
		repaired = true
	}
	return repaired
}

func (r *Registry) updateGaugesLocked() {
	r.metrics.AgentsByStatus.Reset()
	for _, a := range r.agents {
		r.metrics.AgentsByStatus.WithLabelValues(string(a.Status)).Inc()
	}
}
