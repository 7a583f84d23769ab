package cohort

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

const metadata = `spot,parent,ENTITY
sp1,s1,LUAD
sp2,s1,LUSC
sp3,s2,LUSC
sp4,s3,
sp5,s3,LUAD
sp6,s4,MESO
`

func TestParseFirstValueWins(t *testing.T) {
	m, err := Parse(strings.NewReader(metadata), "parent", "ENTITY", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"LUAD", "LUSC", "MESO"}, m.Names())

	c, ok := m.Cohort("s1")
	assert.True(t, ok)
	assert.Equal(t, "LUAD", c)

	c, _ = m.Cohort("s3")
	assert.Equal(t, "LUAD", c, "empty group values are skipped")

	_, ok = m.Cohort("unknown")
	assert.False(t, ok)
}

func TestParseRejectsDotCohorts(t *testing.T) {
	for _, name := range []string{".", ".."} {
		_, err := Parse(strings.NewReader("slide,cohort\ns1,LUAD\ns2,"+name+"\n"), "slide", "cohort", nil)
		assert.True(t, nicheerr.IsValidation(err), "cohort %q", name)

		_, err = Parse(strings.NewReader("slide,cohort\ns1,LUAD\n"), "slide", "cohort", []string{name})
		assert.True(t, nicheerr.IsValidation(err), "include %q", name)
	}
}

func TestParseInclude(t *testing.T) {
	m, err := Parse(strings.NewReader(metadata), "parent", "ENTITY", []string{"LUSC", "LUAD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"LUSC", "LUAD"}, m.Names())

	_, ok := m.Cohort("s4")
	assert.False(t, ok)

	groups, unassigned := m.Partition([]string{"s4", "s2", "s1", "s3", "s9"})
	assert.Equal(t, []Group{
		{Name: "LUSC", SlideIDs: []string{"s2"}},
		{Name: "LUAD", SlideIDs: []string{"s1", "s3"}},
	}, groups)
	assert.Equal(t, []string{"s4", "s9"}, unassigned)
}

func TestAll(t *testing.T) {
	groups, unassigned := All().Partition([]string{"b", "a"})
	assert.Empty(t, unassigned)
	assert.Equal(t, []Group{{Name: Default, SlideIDs: []string{"b", "a"}}}, groups)
}

func TestParseMissingColumns(t *testing.T) {
	_, err := Parse(strings.NewReader(metadata), "slide_id", "ENTITY", nil)
	assert.True(t, nicheerr.IsValidation(err))

	_, err = Parse(strings.NewReader(""), "parent", "ENTITY", nil)
	assert.True(t, nicheerr.IsValidation(err))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.csv")
	require.NoError(t, os.WriteFile(path, []byte(metadata), 0644))
	m, err := Load(path, "parent", "ENTITY", nil)
	require.NoError(t, err)
	assert.Len(t, m.Names(), 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.csv"), "parent", "ENTITY", nil)
	assert.True(t, nicheerr.IsNotFound(err))
}
