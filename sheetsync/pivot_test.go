package sheetsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newSalesStore() *MemoryRecordStore {
	store := NewMemoryRecordStore()
	store.AddRecords("sales",
		Record{"region": "east", "status": "done", "amount": 10.0},
		Record{"region": "east", "status": "open", "amount": 5.0},
		Record{"region": "west", "status": "done", "amount": 7.0},
		Record{"region": "east", "status": "done", "amount": 3.0},
	)
	return store
}

func newSalesPivotDefinition() *PivotDefinition {
	return &PivotDefinition{
		Model:      "sales",
		RowGroupBy: []string{"region"},
		ColGroupBy: []string{"status"},
		Measures: []Aggregate{
			{Field: "amount", Func: "sum"},
			{Field: "amount", Func: "count"},
		},
	}
}

func loadPivot(t *testing.T, ctx context.Context, store *MemoryRecordStore, pivotId string, definition *PivotDefinition) (*Registry, *PivotDataSource) {
	registry := NewRegistryWithDefaults(ctx, store)
	source := NewPivotDataSource(pivotId, definition)
	err := registry.Load(ctx, source.Key(), func() DataSource { return source })
	assert.Equal(t, err, nil)
	return registry, source
}

func TestPivotAggregation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, source := loadPivot(t, ctx, newSalesStore(), "p1", newSalesPivotDefinition())
	defer registry.Close()

	value, ok := source.Value("east", "done", "amount:sum")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, 13.0)

	value, ok = source.Value("west", "done", "amount:sum")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, 7.0)

	count, ok := source.Value("east", "done", "amount:count")
	assert.Equal(t, ok, true)
	assert.Equal(t, count, 2.0)

	// an unpopulated intersection is distinct from a zero
	_, ok = source.Value("west", "open", "amount:sum")
	assert.Equal(t, ok, false)
}

func TestPivotGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, source := loadPivot(t, ctx, newSalesStore(), "p1", newSalesPivotDefinition())
	defer registry.Close()

	assert.Equal(t, source.GroupCount(AxisRow), 2)
	assert.Equal(t, source.GroupCount(AxisColumn), 2)

	assert.Equal(t, source.GroupIndex(AxisRow, "east"), 0)
	assert.Equal(t, source.GroupIndex(AxisRow, "west"), 1)
	assert.Equal(t, source.GroupIndex(AxisRow, "north"), -1)

	key, ok := source.GroupValueAt(AxisColumn, 0)
	assert.Equal(t, ok, true)
	assert.Equal(t, key, "done")
}

func TestPivotNextGroupValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, source := loadPivot(t, ctx, newSalesStore(), "p1", newSalesPivotDefinition())
	defer registry.Close()

	next, ok := source.NextGroupValue("east", AxisRow, 1)
	assert.Equal(t, ok, true)
	assert.Equal(t, next, "west")

	previous, ok := source.NextGroupValue("west", AxisRow, -1)
	assert.Equal(t, ok, true)
	assert.Equal(t, previous, "east")

	// running past either end never wraps
	_, ok = source.NextGroupValue("west", AxisRow, 1)
	assert.Equal(t, ok, false)
	_, ok = source.NextGroupValue("east", AxisRow, -1)
	assert.Equal(t, ok, false)

	_, ok = source.NextGroupValue("north", AxisRow, 1)
	assert.Equal(t, ok, false)
}

func TestPivotOrderBy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryRecordStore()
	store.AddRecords("sales",
		Record{"region": "a", "status": "done", "amount": 1.0},
		Record{"region": "b", "status": "done", "amount": 5.0},
		Record{"region": "c", "status": "done", "amount": 3.0},
	)
	definition := newSalesPivotDefinition()
	definition.OrderBy = []OrderBy{{Field: "amount", Desc: true}}
	registry, source := loadPivot(t, ctx, store, "p1", definition)
	defer registry.Close()

	// the definition's order-by drives the row axis order
	assert.Equal(t, source.GroupIndex(AxisRow, "b"), 0)
	assert.Equal(t, source.GroupIndex(AxisRow, "c"), 1)
	assert.Equal(t, source.GroupIndex(AxisRow, "a"), 2)
}

func TestPivotEmptyResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// no records at all still loads, with an empty payload
	registry, source := loadPivot(t, ctx, NewMemoryRecordStore(), "p1", newSalesPivotDefinition())
	defer registry.Close()

	assert.Equal(t, registry.State(source.Key()), LoadStateLoaded)
	assert.Equal(t, source.GroupCount(AxisRow), 0)
	_, ok := source.Value("east", "done", "amount:sum")
	assert.Equal(t, ok, false)
}

func TestPivotCompositeGroupKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryRecordStore()
	store.AddRecords("sales",
		Record{"region": "east", "city": "boston", "status": "done", "amount": 2.0},
		Record{"region": "east", "city": "nyc", "status": "done", "amount": 4.0},
	)
	definition := &PivotDefinition{
		Model:      "sales",
		RowGroupBy: []string{"region", "city"},
		ColGroupBy: []string{"status"},
		Measures:   []Aggregate{{Field: "amount", Func: "sum"}},
	}
	registry, source := loadPivot(t, ctx, store, "p1", definition)
	defer registry.Close()

	assert.Equal(t, source.GroupCount(AxisRow), 2)
	value, ok := source.Value("east|boston", "done", "amount:sum")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, 2.0)
	value, ok = source.Value("east|nyc", "done", "amount:sum")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, 4.0)
}
