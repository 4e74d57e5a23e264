package workspace

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentlab/internal/domain"
	"go.uber.org/zap/zaptest"
)

func setupProvisioner(t *testing.T) (*Provisioner, afero.Fs) {
	t.Helper()
	fsys := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	tpl := "/templates/faq_agent"
	files := map[string]string{
		ConfigFile:  "language: ru\n",
		DomainFile:  "version: \"3.1\"\nintents:\n  - greet\n",
		NLUFile:     "nlu:\n  - intent: greet\n    examples: |\n      - привет\n",
		StoriesFile: "stories: []\n",
	}
	for rel, body := range files {
		path := filepath.Join(tpl, rel)
		require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, afero.WriteFile(fsys, path, []byte(body), 0644))
	}
	p := NewProvisioner(fsys, "/lab/agents", "/templates",
		map[string]string{"faq": "faq_agent", "form": "form_agent"}, zaptest.NewLogger(t))
	return p, fsys
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Support", "support"},
		{"  Support Bot  ", "support_bot"},
		{"Бот Поддержки", "бот_поддержки"},
		{"a/../b", "a_b"},
		{"!!!", "agent"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), tt.in)
	}
}

func TestProvisioner_Provision(t *testing.T) {
	p, fsys := setupProvisioner(t)

	dest := p.Destination("Support", 1)
	assert.Equal(t, "/lab/agents/support_1", dest)

	paths, err := p.Provision(domain.AgentTypeFAQ, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "config.yml"), paths.Config)
	assert.Equal(t, filepath.Join(dest, "data", "nlu.yml"), paths.NLUData)

	body, err := afero.ReadFile(fsys, paths.NLUData)
	require.NoError(t, err)
	assert.Contains(t, string(body), "привет")

	ok, err := afero.DirExists(fsys, paths.ModelDir)
	require.NoError(t, err)
	assert.True(t, ok, "models dir is created even if the template lacks it")
	assert.True(t, p.Exists(paths))

	// Temp-директории после успешного провижининга не остаются
	entries, err := afero.ReadDir(fsys, "/lab/agents")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProvisioner_Errors(t *testing.T) {
	p, _ := setupProvisioner(t)

	_, err := p.Provision(domain.AgentTypeForm, p.Destination("Form", 2))
	assert.ErrorIs(t, err, domain.ErrTemplateMissing)
	assert.ErrorIs(t, err, domain.ErrProvisioningFailed)
	var missing *TemplateMissingError
	assert.ErrorAs(t, err, &missing)

	dest := p.Destination("Dup", 3)
	_, err = p.Provision(domain.AgentTypeFAQ, dest)
	require.NoError(t, err)
	_, err = p.Provision(domain.AgentTypeFAQ, dest)
	assert.ErrorIs(t, err, domain.ErrWorkspaceExists)
}

func TestProvisioner_RemoveAndManifest(t *testing.T) {
	p, fsys := setupProvisioner(t)

	dest := p.Destination("Support", 1)
	paths, err := p.Provision(domain.AgentTypeFAQ, dest)
	require.NoError(t, err)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, p.WriteManifest(paths, &domain.Agent{
		ID: 1, Name: "Support", Type: domain.AgentTypeFAQ, Port: 5005, CreatedAt: created,
	}))
	m, err := p.ReadManifest(paths.Root)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)
	assert.Equal(t, 5005, m.Port)
	assert.True(t, created.Equal(m.CreatedAt))

	require.NoError(t, p.Remove(paths))
	ok, err := afero.DirExists(fsys, dest)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, p.Remove(nil), domain.ErrNoWorkspace)
	assert.Error(t, p.Remove(&domain.WorkspacePaths{Root: "/etc"}))
}

func TestProvisioner_HighestManifestID(t *testing.T) {
	p, fsys := setupProvisioner(t)

	highest, err := p.HighestManifestID()
	require.NoError(t, err)
	assert.Equal(t, int64(0), highest, "missing base dir is empty")

	for _, id := range []int64{3, 7} {
		paths, err := p.Provision(domain.AgentTypeFAQ, p.Destination("Support", id))
		require.NoError(t, err)
		require.NoError(t, p.WriteManifest(paths, &domain.Agent{ID: id, Name: "Support", Type: domain.AgentTypeFAQ}))
	}
	// Каталог без манифеста и мусорный манифест не мешают
	require.NoError(t, fsys.MkdirAll("/lab/agents/stray", 0755))
	require.NoError(t, fsys.MkdirAll("/lab/agents/broken_9", 0755))
	require.NoError(t, afero.WriteFile(fsys, "/lab/agents/broken_9/"+ManifestFile, []byte("id: [oops"), 0644))

	highest, err = p.HighestManifestID()
	require.NoError(t, err)
	assert.Equal(t, int64(7), highest)
}
