package phenotype

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

// Other labels cells whose marker combination matches no phenotype.
const Other = "Other"

const labelColumn = "Cell phenotype"

var (
	droppedColumns = map[string]bool{
		"Number (total)":                true,
		"Cell phenotype (abbreviation)": true,
	}
	markerRenames = map[string]string{"FOXP3": "FoxP3"}
)

// Lookup maps marker combinations to phenotype labels.
type Lookup struct {
	markers    []string
	phenotypes []string
	byKey      map[string]string
}

// LoadLookup reads a lookup CSV file.
func LoadLookup(path string) (*Lookup, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nicheerr.Wrap(err, nicheerr.TypeNotFound, "phenotype lookup not found").WithDetail("path", path)
		}
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "open phenotype lookup").WithDetail("path", path)
	}
	defer f.Close()
	l, err := ParseLookup(f)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeConfig, "parse phenotype lookup").WithDetail("path", path)
	}
	return l, nil
}

// ParseLookup reads a lookup table with a "Cell phenotype" column and one
// column per marker. Marker cells hold (+)/(-) or 1/0; an empty cell means
// the marker is unobserved. Rows labelled Other are skipped, and when two
// rows share a combination the later one wins.
func ParseLookup(r io.Reader) (*Lookup, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nicheerr.New(nicheerr.TypeValidation, "phenotype lookup is empty")
	}
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "read lookup header")
	}

	labelIdx := -1
	type markerCol struct {
		name string
		idx  int
	}
	var cols []markerCol
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		switch {
		case h == labelColumn:
			labelIdx = i
		case droppedColumns[h], h == "":
		default:
			name := strings.ReplaceAll(h, " ", "_")
			if rn, ok := markerRenames[name]; ok {
				name = rn
			}
			cols = append(cols, markerCol{name: name, idx: i})
		}
	}
	if labelIdx < 0 {
		return nil, nicheerr.New(nicheerr.TypeValidation, "lookup has no label column").WithDetail("column", labelColumn)
	}
	if len(cols) == 0 {
		return nil, nicheerr.New(nicheerr.TypeValidation, "lookup has no marker columns")
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].name < cols[j].name })
	for i := 1; i < len(cols); i++ {
		if cols[i].name == cols[i-1].name {
			return nil, nicheerr.New(nicheerr.TypeValidation, "duplicate marker column").WithDetail("marker", cols[i].name)
		}
	}

	l := &Lookup{byKey: make(map[string]string)}
	for _, c := range cols {
		l.markers = append(l.markers, c.name)
	}

	seenLabel := make(map[string]bool)
	vec := make([]float64, len(cols))
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "read lookup row").WithDetail("line", line)
		}
		label := strings.TrimSpace(field(rec, labelIdx))
		if label == "" || label == Other {
			continue
		}
		for j, c := range cols {
			v, err := parseCell(field(rec, c.idx))
			if err != nil {
				return nil, err.WithDetail("line", line).WithDetail("marker", c.name)
			}
			vec[j] = v
		}
		l.byKey[vectorKey(vec)] = label
		if !seenLabel[label] {
			seenLabel[label] = true
			l.phenotypes = append(l.phenotypes, label)
		}
	}
	return l, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func parseCell(s string) (float64, *nicheerr.Error) {
	switch strings.TrimSpace(s) {
	case "(+)", "1", "1.0":
		return 1, nil
	case "(-)", "0", "0.0":
		return 0, nil
	case "":
		return math.NaN(), nil
	default:
		return 0, nicheerr.New(nicheerr.TypeValidation, "lookup cell must be (+), (-), 1 or 0").WithDetail("value", s)
	}
}

// vectorKey encodes a marker vector; NaN is kept distinct from 0 and 1.
func vectorKey(vec []float64) string {
	var b strings.Builder
	b.Grow(len(vec))
	for _, v := range vec {
		switch {
		case math.IsNaN(v):
			b.WriteByte('?')
		case v == 0:
			b.WriteByte('0')
		case v == 1:
			b.WriteByte('1')
		default:
			b.WriteByte('x')
		}
	}
	return b.String()
}

// Markers returns the lookup's marker names in sorted order.
func (l *Lookup) Markers() []string { return append([]string(nil), l.markers...) }

// Phenotypes returns the distinct labels in table order, not including Other.
func (l *Lookup) Phenotypes() []string { return append([]string(nil), l.phenotypes...) }

// Classify returns the phenotype of vec, ordered like Markers, or Other.
func (l *Lookup) Classify(vec []float64) string {
	if p, ok := l.byKey[vectorKey(vec)]; ok {
		return p
	}
	return Other
}

// ClassifyAll labels every cell. The marker sets of m and the lookup must
// be equal.
func (l *Lookup) ClassifyAll(m *MultiHot) ([]string, error) {
	if !slices.Equal(m.Markers, l.markers) {
		return nil, nicheerr.New(nicheerr.TypeValidation, "tag markers do not match lookup markers").
			WithDetail("tags", m.Markers).
			WithDetail("lookup", l.markers)
	}
	out := make([]string, m.Len())
	for i := range out {
		out[i] = l.Classify(m.Row(i))
	}
	return out, nil
}

// OneHot builds a mark table with one column per phenotype of the lookup
// plus Other.
func (l *Lookup) OneHot(keys []table.Key, labels []string) (*table.MarkTable, error) {
	if len(keys) != len(labels) {
		return nil, nicheerr.New(nicheerr.TypeValidation, "keys and labels differ in length").
			WithDetail("keys", len(keys)).
			WithDetail("labels", len(labels))
	}
	columns := append(l.Phenotypes(), Other)
	col := make(map[string]int, len(columns))
	for j, c := range columns {
		col[c] = j
	}
	w := len(columns)
	values := make([]float64, len(keys)*w)
	for i, lab := range labels {
		j, ok := col[lab]
		if !ok {
			j = col[Other]
		}
		values[i*w+j] = 1
	}
	return &table.MarkTable{Keys: keys, Columns: columns, Values: values, Integral: true}, nil
}
