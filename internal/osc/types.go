package osc

import "github.com/paulmach/osm"

// Action is the kind of change an osmChange block applies.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Change is one entity of an osmChange document with the action of its
// enclosing block. Deleted entities carry at least their id.
type Change struct {
	Action Action
	Object osm.Object
}

// Stats counts parsed changes per kind and action
type Stats struct {
	NodesCreated      int64
	NodesModified     int64
	NodesDeleted      int64
	WaysCreated       int64
	WaysModified      int64
	WaysDeleted       int64
	RelationsCreated  int64
	RelationsModified int64
	RelationsDeleted  int64
}

// Total returns total number of changes
func (s *Stats) Total() int64 {
	return s.NodesCreated + s.NodesModified + s.NodesDeleted +
		s.WaysCreated + s.WaysModified + s.WaysDeleted +
		s.RelationsCreated + s.RelationsModified + s.RelationsDeleted
}

func (s *Stats) add(c Change) {
	var counters [3]*int64
	switch c.Object.(type) {
	case *osm.Node:
		counters = [3]*int64{&s.NodesCreated, &s.NodesModified, &s.NodesDeleted}
	case *osm.Way:
		counters = [3]*int64{&s.WaysCreated, &s.WaysModified, &s.WaysDeleted}
	case *osm.Relation:
		counters = [3]*int64{&s.RelationsCreated, &s.RelationsModified, &s.RelationsDeleted}
	default:
		return
	}

	switch c.Action {
	case ActionCreate:
		*counters[0]++
	case ActionModify:
		*counters[1]++
	case ActionDelete:
		*counters[2]++
	}
}
