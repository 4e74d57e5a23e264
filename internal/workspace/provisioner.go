package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/spf13/afero"
	"github.com/xela07ax/agentlab/internal/domain"
	"go.uber.org/zap"
)

// Канонический layout шаблона агента
const (
	ConfigFile   = "config.yml"
	DomainFile   = "domain.yml"
	NLUFile      = "data/nlu.yml"
	StoriesFile  = "data/stories.yml"
	ModelsDir    = "models"
	ManifestFile = "agent.yml"
)

// TemplateMissingError — для типа агента нет шаблона на диске.
type TemplateMissingError struct {
	Kind domain.AgentType
	Path string
}

func (e *TemplateMissingError) Error() string {
	return fmt.Sprintf("template for agent type %q not found at %s", e.Kind, e.Path)
}

func (e *TemplateMissingError) Is(target error) bool {
	return target == domain.ErrTemplateMissing || target == domain.ErrProvisioningFailed
}

type Provisioner struct {
	fs           afero.Fs
	baseDir      string
	templatesDir string
	templates    map[domain.AgentType]string
	logger       *zap.Logger
}

// NewProvisioner: templates — тип агента -> имя директории шаблона внутри templatesDir.
func NewProvisioner(fsys afero.Fs, baseDir, templatesDir string, templates map[string]string, logger *zap.Logger) *Provisioner {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	byKind := make(map[domain.AgentType]string, len(templates))
	for k, v := range templates {
		byKind[domain.AgentType(k)] = v
	}
	return &Provisioner{
		fs:           fsys,
		baseDir:      baseDir,
		templatesDir: templatesDir,
		templates:    byKind,
		logger:       logger.Named("workspace"),
	}
}

// Destination — <base>/<slug(name)>_<id>. Id в имени гарантирует уникальность.
func (p *Provisioner) Destination(name string, id int64) string {
	return filepath.Join(p.baseDir, fmt.Sprintf("%s_%d", Slug(name), id))
}

// Provision копирует шаблон во временную соседнюю директорию и переименовывает
// ее в dest. Частично скопированный workspace под каноническим именем не появляется.
func (p *Provisioner) Provision(kind domain.AgentType, dest string) (*domain.WorkspacePaths, error) {
	tplName, ok := p.templates[kind]
	if !ok {
		return nil, &TemplateMissingError{Kind: kind, Path: "(not configured)"}
	}
	src := filepath.Join(p.templatesDir, tplName)
	info, err := p.fs.Stat(src)
	if err != nil || !info.IsDir() {
		return nil, &TemplateMissingError{Kind: kind, Path: src}
	}

	if _, err := p.fs.Stat(dest); err == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkspaceExists, dest)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: stat %s: %v", domain.ErrProvisioningFailed, dest, err)
	}

	parent := filepath.Dir(dest)
	if err := p.fs.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("%w: create base dir: %v", domain.ErrProvisioningFailed, err)
	}

	// 1. Копия в temp рядом с dest (тот же раздел -> rename атомарен)
	tmp, err := afero.TempDir(p.fs, parent, "."+filepath.Base(dest)+".provisioning-")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %v", domain.ErrProvisioningFailed, err)
	}
	if err := p.copyTree(src, tmp); err != nil {
		_ = p.fs.RemoveAll(tmp)
		return nil, fmt.Errorf("%w: copy template %s: %v", domain.ErrProvisioningFailed, src, err)
	}
	if err := p.fs.MkdirAll(filepath.Join(tmp, ModelsDir), 0755); err != nil {
		_ = p.fs.RemoveAll(tmp)
		return nil, fmt.Errorf("%w: create models dir: %v", domain.ErrProvisioningFailed, err)
	}

	// 2. Публикация под каноническим именем
	if err := p.fs.Rename(tmp, dest); err != nil {
		_ = p.fs.RemoveAll(tmp)
		return nil, fmt.Errorf("%w: rename into place: %v", domain.ErrProvisioningFailed, err)
	}

	p.logger.Info("workspace provisioned",
		zap.String("type", string(kind)),
		zap.String("template", src),
		zap.String("dest", dest))
	return PathsFor(dest), nil
}

// Remove удаляет дерево агента. Отсутствующая директория — не ошибка.
func (p *Provisioner) Remove(paths *domain.WorkspacePaths) error {
	if paths == nil || paths.Root == "" {
		return domain.ErrNoWorkspace
	}
	if !p.inBase(paths.Root) {
		return fmt.Errorf("refusing to remove %s: outside of %s", paths.Root, p.baseDir)
	}
	if err := p.fs.RemoveAll(paths.Root); err != nil {
		return fmt.Errorf("remove workspace %s: %w", paths.Root, err)
	}
	p.logger.Info("workspace removed", zap.String("root", paths.Root))
	return nil
}

// Exists нужен супервизору: без workspace внешнее обучение запускать нечем.
func (p *Provisioner) Exists(paths *domain.WorkspacePaths) bool {
	if paths == nil || paths.Root == "" {
		return false
	}
	ok, err := afero.DirExists(p.fs, paths.Root)
	return err == nil && ok
}

func (p *Provisioner) inBase(path string) bool {
	base, err := filepath.Abs(p.baseDir)
	if err != nil {
		return false
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, target)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

func (p *Provisioner) copyTree(src, dst string) error {
	return afero.Walk(p.fs, src, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return p.fs.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode().IsRegular():
			return p.copyFile(path, target, info.Mode().Perm())
		default:
			// Симлинки и прочее в шаблонах не поддерживаем
			p.logger.Debug("skipping non-regular template entry", zap.String("path", path))
			return nil
		}
	})
}

func (p *Provisioner) copyFile(src, dst string, perm fs.FileMode) error {
	in, err := p.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := p.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// PathsFor — канонические пути внутри корня workspace.
func PathsFor(root string) *domain.WorkspacePaths {
	return &domain.WorkspacePaths{
		Root:     root,
		Config:   filepath.Join(root, ConfigFile),
		Domain:   filepath.Join(root, DomainFile),
		NLUData:  filepath.Join(root, filepath.FromSlash(NLUFile)),
		Stories:  filepath.Join(root, filepath.FromSlash(StoriesFile)),
		ModelDir: filepath.Join(root, ModelsDir),
	}
}

// Slug приводит имя агента к безопасному имени директории: нижний регистр,
// буквы и цифры любого алфавита, остальное заменяется на '_'.
func Slug(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	s := strings.Trim(b.String(), "_")
	if s == "" {
		return "agent"
	}
	return s
}
