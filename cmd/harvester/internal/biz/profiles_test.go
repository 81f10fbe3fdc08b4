package biz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "pkgharvest/pkg/errors"
)

const profilesYAML = `
profiles:
  plone:
    classifiers:
      - "Framework :: Plone"
      - "Framework :: Zope"
    npm:
      keywords: [plone, volto]
      scopes: ["@plone", "@plone-collective"]
  django:
    name: djangopackages
    classifiers: ["Framework :: Django"]
  broken:
    classifiers: []
`

func TestParseProfiles(t *testing.T) {
	profiles, err := ParseProfiles([]byte(profilesYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"broken", "django", "plone"}, profiles.Names())

	p, err := profiles.Get("plone")
	require.NoError(t, err)
	assert.Equal(t, "plone", p.Name)
	assert.Equal(t, []string{"Framework :: Plone", "Framework :: Zope"}, p.Classifiers)
	assert.Equal(t, []string{"plone", "volto"}, p.Npm.Keywords)
	assert.Equal(t, []string{"@plone", "@plone-collective"}, p.Npm.Scopes)

	p, err = profiles.Get("django")
	require.NoError(t, err)
	assert.Equal(t, "djangopackages", p.Name)

	_, err = profiles.Get("broken")
	assert.Error(t, err)

	_, err = profiles.Get("flask")
	assert.Equal(t, pkgerrors.ReasonInvalidProfile, pkgerrors.Reason(err))
}

func TestParseProfiles_Invalid(t *testing.T) {
	_, err := ParseProfiles([]byte("plone:\n  classifiers: [x]\n"))
	assert.ErrorContains(t, err, "missing 'profiles' key")

	_, err = ParseProfiles([]byte("profiles: [\n"))
	assert.ErrorContains(t, err, "invalid profiles yaml")
}

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profilesYAML), 0o600))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	assert.Len(t, profiles, 3)

	_, err = LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
