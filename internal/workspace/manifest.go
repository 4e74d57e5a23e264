package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/xela07ax/agentlab/internal/domain"
	"gopkg.in/yaml.v3"
)

// Manifest — agent.yml в корне workspace. Позволяет понять, чей это каталог,
// даже если реестр потерян.
type Manifest struct {
	ID        int64            `yaml:"id"`
	Name      string           `yaml:"name"`
	Type      domain.AgentType `yaml:"agent_type"`
	Port      int              `yaml:"port"`
	CreatedAt time.Time        `yaml:"created_at"`
}

func (p *Provisioner) WriteManifest(paths *domain.WorkspacePaths, agent *domain.Agent) error {
	if paths == nil {
		return domain.ErrNoWorkspace
	}
	data, err := yaml.Marshal(Manifest{
		ID:        agent.ID,
		Name:      agent.Name,
		Type:      agent.Type,
		Port:      agent.Port,
		CreatedAt: agent.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return afero.WriteFile(p.fs, filepath.Join(paths.Root, ManifestFile), data, 0644)
}

func (p *Provisioner) ReadManifest(root string) (*Manifest, error) {
	data, err := afero.ReadFile(p.fs, filepath.Join(root, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// HighestManifestID — старший id среди agent.yml в базовой директории.
// Каталоги без манифеста или с битым манифестом пропускаются.
func (p *Provisioner) HighestManifestID() (int64, error) {
	entries, err := afero.ReadDir(p.fs, p.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan workspaces: %w", err)
	}
	var highest int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := p.ReadManifest(filepath.Join(p.baseDir, e.Name()))
		if err != nil {
			continue
		}
		highest = max(highest, m.ID)
	}
	return highest, nil
}
