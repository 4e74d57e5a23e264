package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xela07ax/agentlab/internal/domain"
)

// Snapshot — документ реестра целиком. Читается и пишется только целиком.
type Snapshot struct {
	NextID  int64           `json:"next_id"`
	Agents  []*domain.Agent `json:"agents"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store — долговременное хранилище документа реестра.
type Store interface {
	// Load возвращает пустой снимок, если документа еще нет.
	// Битый документ — ошибка, совместимая с domain.ErrStoreCorrupt.
	Load() (*Snapshot, error)
	Save(s *Snapshot) error
}

// FileStore хранит реестр в одном JSON-файле.
// Запись: временный файл в той же директории -> fsync -> rename,
// поэтому читатель видит либо старый, либо новый документ целиком.
type FileStore struct {
	path string
	now  func() time.Time
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{NextID: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrStoreCorrupt, s.path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrStoreCorrupt, s.path, err)
	}
	for i, a := range snap.Agents {
		if a == nil || a.ID <= 0 {
			return nil, fmt.Errorf("%w: agent #%d has no valid id", domain.ErrStoreCorrupt, i)
		}
	}
	if snap.NextID < 1 {
		snap.NextID = 1
	}
	return &snap, nil
}

func (s *FileStore) Save(snap *Snapshot) error {
	snap.SavedAt = s.now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}

	// Временный файл обязательно в той же директории, иначе rename не атомарен
	tmpFile, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary registry file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, writeErr := tmpFile.Write(data)
	var syncErr error
	if writeErr == nil {
		syncErr = tmpFile.Sync()
	}
	closeErr := tmpFile.Close()
	for _, e := range []error{writeErr, syncErr, closeErr} {
		if e != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("writing temporary registry file: %w", e)
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming registry file: %w", err)
	}
	return nil
}

// Quarantine откладывает битый документ в сторону, чтобы не затереть его
// первой же записью пустого реестра. Возвращает новый путь.
func (s *FileStore) Quarantine() (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, dst); err != nil {
		return "", fmt.Errorf("moving corrupt registry aside: %w", err)
	}
	return dst, nil
}
