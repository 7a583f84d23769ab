// Package cohort groups slides into the cohorts that are clustered
// together.
package cohort

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// Default is the single cohort used when no metadata is configured.
const Default = "all"

// Map assigns slides to cohorts.
type Map struct {
	bySlide map[string]string
	names   []string
	all     bool
}

// Group is a cohort and its slides.
type Group struct {
	Name     string
	SlideIDs []string
}

// All returns a map that puts every slide in Default.
func All() *Map {
	return &Map{names: []string{Default}, all: true}
}

// Load reads a metadata CSV. See Parse.
func Load(path, slideCol, groupCol string, include []string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nicheerr.Wrap(err, nicheerr.TypeNotFound, "cohort metadata not found").WithDetail("path", path)
		}
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "open cohort metadata").WithDetail("path", path)
	}
	defer f.Close()
	m, err := Parse(f, slideCol, groupCol, include)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeConfig, "parse cohort metadata").WithDetail("path", path)
	}
	return m, nil
}

// Parse reads slide to cohort rows. A slide listed more than once keeps its
// first non-empty group value. When include is set only those cohorts are
// kept, in the given order; otherwise cohorts are sorted by name.
func Parse(r io.Reader, slideCol, groupCol string, include []string) (*Map, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nicheerr.New(nicheerr.TypeValidation, "cohort metadata is empty")
	}
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "read cohort metadata header")
	}
	slideIdx, groupIdx := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case slideCol:
			slideIdx = i
		case groupCol:
			groupIdx = i
		}
	}
	if slideIdx < 0 || groupIdx < 0 {
		return nil, nicheerr.New(nicheerr.TypeValidation, "cohort metadata is missing columns").
			WithDetail("slide_column", slideCol).
			WithDetail("group_column", groupCol).
			WithDetail("header", header)
	}

	keep := make(map[string]bool, len(include))
	for _, c := range include {
		if err := checkName(c); err != nil {
			return nil, err
		}
		keep[c] = true
	}

	m := &Map{bySlide: make(map[string]string)}
	seen := make(map[string]bool)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "read cohort metadata row").WithDetail("line", line)
		}
		if slideIdx >= len(rec) || groupIdx >= len(rec) {
			continue
		}
		slide := strings.TrimSpace(rec[slideIdx])
		group := strings.TrimSpace(rec[groupIdx])
		if slide == "" || group == "" {
			continue
		}
		if _, done := m.bySlide[slide]; done {
			continue
		}
		if err := checkName(group); err != nil {
			return nil, err.WithDetail("line", line)
		}
		if len(keep) > 0 && !keep[group] {
			// the first value decides, even when it is filtered out
			m.bySlide[slide] = ""
			continue
		}
		m.bySlide[slide] = group
		if !seen[group] {
			seen[group] = true
			m.names = append(m.names, group)
		}
	}

	if len(include) > 0 {
		m.names = append([]string(nil), include...)
	} else {
		sort.Strings(m.names)
	}
	return m, nil
}

// checkName rejects cohort names that cannot name a directory.
func checkName(group string) *nicheerr.Error {
	if group == "." || group == ".." {
		return nicheerr.New(nicheerr.TypeValidation, "invalid cohort name").WithDetail("cohort", group)
	}
	return nil
}

// Names returns the cohorts in processing order.
func (m *Map) Names() []string { return append([]string(nil), m.names...) }

// Cohort returns the cohort of a slide.
func (m *Map) Cohort(slideID string) (string, bool) {
	if m.all {
		return Default, true
	}
	c, ok := m.bySlide[slideID]
	return c, ok && c != ""
}

// Partition splits slide ids into cohorts in Names order, keeping the input
// order within each cohort. Slides without a cohort are returned separately.
// Cohorts with no slides are omitted.
func (m *Map) Partition(slideIDs []string) ([]Group, []string) {
	bucket := make(map[string][]string)
	var unassigned []string
	for _, s := range slideIDs {
		c, ok := m.Cohort(s)
		if !ok {
			unassigned = append(unassigned, s)
			continue
		}
		bucket[c] = append(bucket[c], s)
	}
	var groups []Group
	for _, name := range m.names {
		if ids := bucket[name]; len(ids) > 0 {
			groups = append(groups, Group{Name: name, SlideIDs: ids})
		}
	}
	return groups, unassigned
}
