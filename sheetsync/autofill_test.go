package sheetsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newAutofillRegistry(t *testing.T, ctx context.Context) *Registry {
	store := NewMemoryRecordStore()
	store.AddRecords("sales",
		Record{"region": "a", "status": "done", "amount": 1.0},
		Record{"region": "b", "status": "done", "amount": 2.0},
		Record{"region": "c", "status": "done", "amount": 3.0},
		Record{"region": "d", "status": "done", "amount": 4.0},
	)
	registry, _ := loadPivot(t, ctx, store, "p1", newSalesPivotDefinition())
	return registry
}

func TestAutofillDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := newAutofillRegistry(t, ctx)
	defer registry.Close()
	engine := NewAutofillEngine(registry)

	rule, ok := engine.Rule(`=PIVOT("p1","amount:sum","b","done")`, AutofillDown, 0)
	assert.Equal(t, ok, true)

	assert.Equal(t, rule.Next(), `=PIVOT("p1","amount:sum","c","done")`)
	assert.Equal(t, rule.Next(), `=PIVOT("p1","amount:sum","d","done")`)
	// clamped at the end of the axis
	assert.Equal(t, rule.Next(), `=PIVOT("p1","amount:sum","d","done")`)
}

func TestAutofillUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := newAutofillRegistry(t, ctx)
	defer registry.Close()
	engine := NewAutofillEngine(registry)

	rule, ok := engine.Rule(`=PIVOT("p1","amount:sum","b","done")`, AutofillUp, 0)
	assert.Equal(t, ok, true)

	assert.Equal(t, rule.Next(), `=PIVOT("p1","amount:sum","a","done")`)
	// clamped at the start of the axis
	assert.Equal(t, rule.Next(), `=PIVOT("p1","amount:sum","a","done")`)
}

func TestAutofillStride(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := newAutofillRegistry(t, ctx)
	defer registry.Close()
	engine := NewAutofillEngine(registry)

	// a selection already containing 2 bound cells steps by 2
	rule, ok := engine.Rule(`=PIVOT("p1","amount:sum","a","done")`, AutofillDown, 2)
	assert.Equal(t, ok, true)

	assert.Equal(t, rule.Next(), `=PIVOT("p1","amount:sum","c","done")`)
	// 4 past the origin clamps to the last group, with no drift on further
	// steps
	assert.Equal(t, rule.Next(), `=PIVOT("p1","amount:sum","d","done")`)
	assert.Equal(t, rule.Next(), `=PIVOT("p1","amount:sum","d","done")`)
}

func TestAutofillHorizontal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := newAutofillRegistry(t, ctx)
	defer registry.Close()
	engine := NewAutofillEngine(registry)

	// a single column group clamps in place
	rule, ok := engine.Rule(`=PIVOT("p1","amount:sum","b","done")`, AutofillRight, 0)
	assert.Equal(t, ok, true)
	assert.Equal(t, rule.Next(), `=PIVOT("p1","amount:sum","b","done")`)
}

func TestAutofillHeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := newAutofillRegistry(t, ctx)
	defer registry.Close()
	engine := NewAutofillEngine(registry)

	rule, ok := engine.Rule(`=PIVOT.HEADER("p1","row","a")`, AutofillDown, 0)
	assert.Equal(t, ok, true)
	assert.Equal(t, rule.Next(), `=PIVOT.HEADER("p1","row","b")`)

	// a row header only fills along the row axis
	_, ok = engine.Rule(`=PIVOT.HEADER("p1","row","a")`, AutofillRight, 0)
	assert.Equal(t, ok, false)
}

func TestAutofillNotDataBound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := newAutofillRegistry(t, ctx)
	defer registry.Close()
	engine := NewAutofillEngine(registry)

	_, ok := engine.Rule(`plain text`, AutofillDown, 0)
	assert.Equal(t, ok, false)

	_, ok = engine.Rule(`=SUM(1,2)`, AutofillDown, 0)
	assert.Equal(t, ok, false)

	// a pivot read without a group key has nothing to step
	_, ok = engine.Rule(`=PIVOT("p1","amount:sum")`, AutofillDown, 0)
	assert.Equal(t, ok, false)

	// an unloaded pivot cannot drive a fill
	_, ok = engine.Rule(`=PIVOT("p9","amount:sum","a")`, AutofillDown, 0)
	assert.Equal(t, ok, false)
}
