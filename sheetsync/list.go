package sheetsync

import (
	"context"
	"fmt"
	"sync"
)

type ListDefinition struct {
	Model   string    `json:"model"`
	Domain  Domain    `json:"domain,omitempty"`
	OrderBy []OrderBy `json:"order_by,omitempty"`
	Fields  []string  `json:"fields"`
	Limit   int       `json:"limit"`
}

func ListKey(listId string) string {
	return fmt.Sprintf("list.%s", listId)
}

type listPayload struct {
	records []Record
	fields  map[string]*ModelField
}

// ListDataSource holds an ordered window of records. Receiving exactly
// `limit` records means the window may be truncated, which is signaled as
// limit-exceeded rather than silently treated as complete.
type ListDataSource struct {
	key        string
	definition *ListDefinition

	stateLock     sync.Mutex
	payload       *listPayload
	limitExceeded bool
}

func NewListDataSource(listId string, definition *ListDefinition) *ListDataSource {
	return &ListDataSource{
		key:        ListKey(listId),
		definition: definition,
	}
}

func (self *ListDataSource) Key() string {
	return self.key
}

func (self *ListDataSource) Definition() *ListDefinition {
	return self.definition
}

func (self *ListDataSource) Fetch(ctx context.Context, store RecordStore) (func(), error) {
	definition := self.definition

	// model metadata is fetched alongside the window and cached with it
	fields, err := store.ModelFields(ctx, definition.Model)
	if err != nil {
		return nil, err
	}

	result, err := store.Query(ctx, &RecordQuery{
		Model:   definition.Model,
		Domain:  definition.Domain,
		Fields:  definition.Fields,
		OrderBy: definition.OrderBy,
		Limit:   definition.Limit,
	})
	if err != nil {
		return nil, err
	}

	payload := &listPayload{
		records: result.Records,
		fields:  fields,
	}
	limitExceeded := 0 < definition.Limit && definition.Limit <= len(result.Records)

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.payload = payload
		self.limitExceeded = limitExceeded
	}, nil
}

func (self *ListDataSource) currentPayload() *listPayload {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.payload
}

func (self *ListDataSource) LimitExceeded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.limitExceeded
}

func (self *ListDataSource) RecordCount() int {
	payload := self.currentPayload()
	if payload == nil {
		return 0
	}
	return len(payload.records)
}

// CellValue reads one field of one record in the window.
func (self *ListDataSource) CellValue(rowIndex int, field string) (CellValue, bool) {
	payload := self.currentPayload()
	if payload == nil {
		return EmptyValue(), false
	}
	if rowIndex < 0 || len(payload.records) <= rowIndex {
		return EmptyValue(), false
	}
	value, ok := payload.records[rowIndex][field]
	if !ok {
		// partial field set from the store
		return EmptyValue(), true
	}
	switch v := value.(type) {
	case nil:
		return EmptyValue(), true
	case bool:
		return BoolValue(v), true
	case string:
		return TextValue(v), true
	default:
		if number, ok := toNumber(value); ok {
			return NumberValue(number), true
		}
		return TextValue(fmt.Sprintf("%v", value)), true
	}
}

// HeaderLabel resolves the human-readable label for a projected field from
// model metadata, falling back to the raw field name.
func (self *ListDataSource) HeaderLabel(field string) string {
	payload := self.currentPayload()
	if payload != nil {
		if modelField, ok := payload.fields[field]; ok && modelField.Label != "" {
			return modelField.Label
		}
	}
	return field
}
