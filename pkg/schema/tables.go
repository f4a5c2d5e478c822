package schema

import "github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"

// tableSet accumulates tables in load order while columns and keys are
// attached to them by name.
type tableSet struct {
	order  []string
	byName map[string]*pipeline.Table
}

func newTableSet() *tableSet {
	return &tableSet{byName: make(map[string]*pipeline.Table)}
}

func (s *tableSet) add(t pipeline.Table) {
	if _, ok := s.byName[t.Name]; ok {
		return
	}
	s.order = append(s.order, t.Name)
	s.byName[t.Name] = &t
}

func (s *tableSet) get(name string) *pipeline.Table {
	if t, ok := s.byName[name]; ok {
		return t
	}
	s.add(pipeline.Table{Name: name})
	return s.byName[name]
}

func (s *tableSet) addColumn(table string, col pipeline.Column) {
	t := s.get(table)
	t.Columns = append(t.Columns, col)
}

// addForeignKey records the edge and marks its column, unless the column is
// already part of the primary key.
func (s *tableSet) addForeignKey(table string, fk pipeline.ForeignKey) {
	t := s.get(table)
	t.ForeignKeys = append(t.ForeignKeys, fk)
	for i := range t.Columns {
		if t.Columns[i].Name == fk.Column && t.Columns[i].KeyType == "" {
			t.Columns[i].KeyType = "FK"
		}
	}
}

func (s *tableSet) list() []pipeline.Table {
	out := make([]pipeline.Table, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.byName[name])
	}
	return out
}
