package sheetsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// the host application exposes its record store behind this interface.
// the data sources treat it as a black box and must tolerate empty results,
// partial field sets, and query errors.

type DomainCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type Domain []DomainCondition

type OrderBy struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Aggregate names an aggregated measure, e.g. {Field: "amount", Func: "sum"}
type Aggregate struct {
	Field string `json:"field"`
	Func  string `json:"func"`
}

func (self Aggregate) Name() string {
	return fmt.Sprintf("%s:%s", self.Field, self.Func)
}

type RecordQuery struct {
	Model      string      `json:"model"`
	Domain     Domain      `json:"domain,omitempty"`
	Fields     []string    `json:"fields,omitempty"`
	GroupBy    []string    `json:"group_by,omitempty"`
	Aggregates []Aggregate `json:"aggregates,omitempty"`
	OrderBy    []OrderBy   `json:"order_by,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
}

type Record map[string]any

// one group of a grouped query. `Keys` has one entry per group-by field,
// in group-by order.
type RecordGroup struct {
	Keys []string `json:"keys"`
	// aggregate name (see Aggregate.Name) -> value
	Values map[string]float64 `json:"values"`
	Count  int                `json:"count"`
}

type RecordResult struct {
	Records []Record       `json:"records,omitempty"`
	Groups  []*RecordGroup `json:"groups,omitempty"`
}

type ModelField struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

type RecordStore interface {
	Query(ctx context.Context, query *RecordQuery) (*RecordResult, error)
	// model metadata, fetched once and cached indefinitely by callers
	ModelFields(ctx context.Context, model string) (map[string]*ModelField, error)
}

// MemoryRecordStore is an in-process record store for tests and hosts that
// already hold the records locally.
type MemoryRecordStore struct {
	stateLock sync.Mutex

	// model -> records
	records map[string][]Record
	// model -> field metadata
	fields map[string]map[string]*ModelField
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: map[string][]Record{},
		fields:  map[string]map[string]*ModelField{},
	}
}

func (self *MemoryRecordStore) AddRecords(model string, records ...Record) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.records[model] = append(self.records[model], records...)
}

func (self *MemoryRecordStore) SetRecords(model string, records []Record) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.records[model] = records
}

func (self *MemoryRecordStore) SetModelFields(model string, fields []*ModelField) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fieldMap := map[string]*ModelField{}
	for _, field := range fields {
		fieldMap[field.Name] = field
	}
	self.fields[model] = fieldMap
}

func (self *MemoryRecordStore) ModelFields(ctx context.Context, model string) (map[string]*ModelField, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fields, ok := self.fields[model]
	if !ok {
		// unknown models have no metadata, which callers treat as
		// "no labels available", not an error
		return map[string]*ModelField{}, nil
	}
	out := map[string]*ModelField{}
	for name, field := range fields {
		out[name] = field
	}
	return out, nil
}

func (self *MemoryRecordStore) Query(ctx context.Context, query *RecordQuery) (*RecordResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	self.stateLock.Lock()
	records := append([]Record{}, self.records[query.Model]...)
	self.stateLock.Unlock()

	matched := []Record{}
	for _, record := range records {
		if matchDomain(record, query.Domain) {
			matched = append(matched, record)
		}
	}

	sortRecords(matched, query.OrderBy)

	if 0 < len(query.GroupBy) || 0 < len(query.Aggregates) {
		return &RecordResult{
			Groups: groupRecords(matched, query.GroupBy, query.Aggregates, 0 < len(query.OrderBy)),
		}, nil
	}

	if 0 < query.Offset {
		if len(matched) <= query.Offset {
			matched = []Record{}
		} else {
			matched = matched[query.Offset:]
		}
	}
	if 0 < query.Limit && query.Limit < len(matched) {
		matched = matched[:query.Limit]
	}

	if 0 < len(query.Fields) {
		projected := make([]Record, 0, len(matched))
		for _, record := range matched {
			p := Record{}
			for _, field := range query.Fields {
				if value, ok := record[field]; ok {
					p[field] = value
				}
			}
			projected = append(projected, p)
		}
		matched = projected
	}

	return &RecordResult{Records: matched}, nil
}

func matchDomain(record Record, domain Domain) bool {
	for _, condition := range domain {
		value := record[condition.Field]
		switch condition.Operator {
		case "=", "":
			if fmt.Sprintf("%v", value) != fmt.Sprintf("%v", condition.Value) {
				return false
			}
		case "!=":
			if fmt.Sprintf("%v", value) == fmt.Sprintf("%v", condition.Value) {
				return false
			}
		case ">":
			if !(numberOf(condition.Value) < numberOf(value)) {
				return false
			}
		case "<":
			if !(numberOf(value) < numberOf(condition.Value)) {
				return false
			}
		case "in":
			values, ok := condition.Value.([]string)
			if !ok {
				return false
			}
			found := false
			for _, v := range values {
				if fmt.Sprintf("%v", value) == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func sortRecords(records []Record, orderBy []OrderBy) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(records, func(i int, j int) bool {
		for _, order := range orderBy {
			a := records[i][order.Field]
			b := records[j][order.Field]
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if order.Desc {
				return 0 < c
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a any, b any) int {
	aNumber, aOk := toNumber(a)
	bNumber, bOk := toNumber(b)
	if aOk && bOk {
		if aNumber < bNumber {
			return -1
		} else if bNumber < aNumber {
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func numberOf(value any) float64 {
	number, _ := toNumber(value)
	return number
}

func groupRecords(records []Record, groupBy []string, aggregates []Aggregate, ordered bool) []*RecordGroup {
	groupKeys := []string{}
	groups := map[string]*RecordGroup{}
	groupRecords := map[string][]Record{}

	for _, record := range records {
		keys := make([]string, 0, len(groupBy))
		for _, field := range groupBy {
			keys = append(keys, fmt.Sprintf("%v", record[field]))
		}
		groupKey := strings.Join(keys, "\x1f")
		group, ok := groups[groupKey]
		if !ok {
			group = &RecordGroup{
				Keys:   keys,
				Values: map[string]float64{},
			}
			groups[groupKey] = group
			groupKeys = append(groupKeys, groupKey)
		}
		group.Count += 1
		groupRecords[groupKey] = append(groupRecords[groupKey], record)
	}

	if !ordered {
		// no explicit order requested. sort by key for a stable default.
		// with an order-by the records arrive sorted, and groups keep their
		// first-seen order.
		sort.Strings(groupKeys)
	}

	out := make([]*RecordGroup, 0, len(groupKeys))
	for _, groupKey := range groupKeys {
		group := groups[groupKey]
		for _, aggregate := range aggregates {
			group.Values[aggregate.Name()] = aggregateValue(groupRecords[groupKey], aggregate)
		}
		out = append(out, group)
	}
	return out
}

func aggregateValue(records []Record, aggregate Aggregate) float64 {
	switch aggregate.Func {
	case "count":
		return float64(len(records))
	case "sum", "avg":
		sum := float64(0)
		for _, record := range records {
			sum += numberOf(record[aggregate.Field])
		}
		if aggregate.Func == "avg" {
			if len(records) == 0 {
				return 0
			}
			return sum / float64(len(records))
		}
		return sum
	case "min":
		min := float64(0)
		for i, record := range records {
			v := numberOf(record[aggregate.Field])
			if i == 0 || v < min {
				min = v
			}
		}
		return min
	case "max":
		max := float64(0)
		for i, record := range records {
			v := numberOf(record[aggregate.Field])
			if i == 0 || max < v {
				max = v
			}
		}
		return max
	default:
		return 0
	}
}
