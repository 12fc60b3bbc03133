package sheetsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

type Axis string

const (
	AxisRow    Axis = "row"
	AxisColumn Axis = "column"
)

// separator between group values in a composite group key
const groupKeySeparator = "|"

type PivotDefinition struct {
	Model      string          `json:"model"`
	Domain     Domain          `json:"domain,omitempty"`
	RowGroupBy []string        `json:"row_group_by,omitempty"`
	ColGroupBy []string        `json:"col_group_by,omitempty"`
	Measures   []Aggregate     `json:"measures"`
	OrderBy    []OrderBy       `json:"order_by,omitempty"`
}

func PivotKey(pivotId string) string {
	return fmt.Sprintf("pivot.%s", pivotId)
}

// cross-tabulated aggregation of records by row/column groupings.
// the payload is a sparse cube: only populated intersections have entries.
type pivotPayload struct {
	rowKeys []string
	colKeys []string
	// (row key, col key, measure name) -> value
	cells map[pivotCellKey]float64
}

// comparable
type pivotCellKey struct {
	rowKey  string
	colKey  string
	measure string
}

type PivotDataSource struct {
	key        string
	definition *PivotDefinition

	stateLock sync.Mutex
	payload   *pivotPayload
}

func NewPivotDataSource(pivotId string, definition *PivotDefinition) *PivotDataSource {
	return &PivotDataSource{
		key:        PivotKey(pivotId),
		definition: definition,
	}
}

func (self *PivotDataSource) Key() string {
	return self.key
}

func (self *PivotDataSource) Definition() *PivotDefinition {
	return self.definition
}

// one grouped query builds the whole aggregation tree.
// an empty result set yields an empty payload, not an error.
func (self *PivotDataSource) Fetch(ctx context.Context, store RecordStore) (func(), error) {
	definition := self.definition
	groupBy := append(append([]string{}, definition.RowGroupBy...), definition.ColGroupBy...)
	result, err := store.Query(ctx, &RecordQuery{
		Model:      definition.Model,
		Domain:     definition.Domain,
		GroupBy:    groupBy,
		Aggregates: definition.Measures,
		OrderBy:    definition.OrderBy,
	})
	if err != nil {
		return nil, err
	}

	payload := &pivotPayload{
		rowKeys: []string{},
		colKeys: []string{},
		cells:   map[pivotCellKey]float64{},
	}
	rowCount := len(definition.RowGroupBy)
	for _, group := range result.Groups {
		if len(group.Keys) < rowCount {
			// partial group from the store. skip rather than mis-key.
			continue
		}
		rowKey := strings.Join(group.Keys[:rowCount], groupKeySeparator)
		colKey := strings.Join(group.Keys[rowCount:], groupKeySeparator)
		if !slices.Contains(payload.rowKeys, rowKey) {
			payload.rowKeys = append(payload.rowKeys, rowKey)
		}
		if !slices.Contains(payload.colKeys, colKey) {
			payload.colKeys = append(payload.colKeys, colKey)
		}
		for _, measure := range definition.Measures {
			name := measure.Name()
			value, ok := group.Values[name]
			if !ok {
				if measure.Func == "count" {
					value = float64(group.Count)
				} else {
					continue
				}
			}
			payload.cells[pivotCellKey{rowKey: rowKey, colKey: colKey, measure: name}] = value
		}
	}

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.payload = payload
	}, nil
}

func (self *PivotDataSource) currentPayload() *pivotPayload {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.payload
}

// Value reads one intersection of the cube. An unpopulated intersection
// returns ok=false, distinct from a numeric zero.
func (self *PivotDataSource) Value(rowKey string, colKey string, measure string) (float64, bool) {
	payload := self.currentPayload()
	if payload == nil {
		return 0, false
	}
	value, ok := payload.cells[pivotCellKey{rowKey: rowKey, colKey: colKey, measure: measure}]
	return value, ok
}

func (self *PivotDataSource) GroupCount(axis Axis) int {
	payload := self.currentPayload()
	if payload == nil {
		return 0
	}
	return len(payload.axisKeys(axis))
}

func (self *PivotDataSource) GroupIndex(axis Axis, key string) int {
	payload := self.currentPayload()
	if payload == nil {
		return -1
	}
	return slices.Index(payload.axisKeys(axis), key)
}

func (self *PivotDataSource) GroupValueAt(axis Axis, index int) (string, bool) {
	payload := self.currentPayload()
	if payload == nil {
		return "", false
	}
	keys := payload.axisKeys(axis)
	if index < 0 || len(keys) <= index {
		return "", false
	}
	return keys[index], true
}

// NextGroupValue computes the group key `steps` positions away from
// `current` along the axis, in the pivot's current ordering. Negative steps
// move backward. Running past either end returns ok=false, never wraps.
func (self *PivotDataSource) NextGroupValue(current string, axis Axis, steps int) (string, bool) {
	index := self.GroupIndex(axis, current)
	if index < 0 {
		return "", false
	}
	return self.GroupValueAt(axis, index+steps)
}

func (self *pivotPayload) axisKeys(axis Axis) []string {
	if axis == AxisColumn {
		return self.colKeys
	}
	return self.rowKeys
}
