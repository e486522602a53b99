package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
variants:
  - id: base_v1
    is_base: true
    parameters:
      greeting: "Guten Tag, wie kann ich helfen?"
      tone: neutral
      length: medium
      inquiry_mode: open
      barge_in_sensitivity: 0.5
  - id: warm_v2
    parameters:
      greeting: "Hallo! Schoen dass Sie anrufen."
      tone: warm
      length: short
      inquiry_mode: guided
      barge_in_sensitivity: 0.7
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadCatalog(t *testing.T) {
	c, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)
	require.Len(t, c.Variants, 2)
	require.Equal(t, "base_v1", c.Base().ID)
	require.Equal(t, []string{"base_v1", "warm_v2"}, c.IDs())

	v, ok := c.ByID("warm_v2")
	require.True(t, ok)
	require.Equal(t, 0.7, v.Parameters.BargeInSensitivity)
}

func TestCatalogRejectsNoBase(t *testing.T) {
	_, err := Load(writeCatalog(t, "variants:\n  - id: a\n  - id: b\n"))
	require.ErrorIs(t, err, ErrNoBase)
}

func TestCatalogRejectsTwoBases(t *testing.T) {
	_, err := Load(writeCatalog(t, "variants:\n  - id: a\n    is_base: true\n  - id: b\n    is_base: true\n"))
	require.ErrorIs(t, err, ErrNoBase)
}

func TestCatalogRejectsDuplicateID(t *testing.T) {
	_, err := Load(writeCatalog(t, "variants:\n  - id: a\n    is_base: true\n  - id: a\n"))
	require.ErrorIs(t, err, ErrDuplicate)
}
