package sheetsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newCurrencyStore() *MemoryRecordStore {
	store := NewMemoryRecordStore()
	store.AddRecords(CurrencyModel,
		Record{"code": "USD", "symbol": "$", "decimals": 2, "symbol_first": true},
		Record{"code": "EUR", "symbol": "€", "decimals": 2, "symbol_first": false},
		Record{"code": "JPY", "symbol": "¥", "decimals": 0, "symbol_first": true},
	)
	store.AddRecords(CurrencyRateModel,
		Record{"from": "USD", "to": "EUR", "date": "2024-01-01", "rate": 0.90},
		Record{"from": "USD", "to": "EUR", "date": "2024-02-01", "rate": 0.92},
		Record{"from": "USD", "to": "JPY", "date": "2024-01-01", "rate": 148.0},
	)
	return store
}

func loadCurrency(t *testing.T, ctx context.Context) (*Registry, *CurrencyDataSource) {
	registry := NewRegistryWithDefaults(ctx, newCurrencyStore())
	source := NewCurrencyDataSource(&CurrencyDefinition{
		Codes: []string{"USD", "EUR", "JPY"},
	})
	err := registry.Load(ctx, source.Key(), func() DataSource { return source })
	assert.Equal(t, err, nil)
	return registry, source
}

func mustDate(t *testing.T, text string) time.Time {
	date, err := time.Parse("2006-01-02", text)
	assert.Equal(t, err, nil)
	return date
}

func TestCurrencyRateLookup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, source := loadCurrency(t, ctx)
	defer registry.Close()

	// exact date
	rate, ok := source.Rate("USD", "EUR", mustDate(t, "2024-02-01"))
	assert.Equal(t, ok, true)
	assert.Equal(t, rate, 0.92)

	// most recent prior rate, no interpolation
	rate, ok = source.Rate("USD", "EUR", mustDate(t, "2024-01-15"))
	assert.Equal(t, ok, true)
	assert.Equal(t, rate, 0.90)

	// a date before the first known rate has no answer
	_, ok = source.Rate("USD", "EUR", mustDate(t, "2023-12-31"))
	assert.Equal(t, ok, false)

	// unknown pair
	_, ok = source.Rate("USD", "GBP", mustDate(t, "2024-02-01"))
	assert.Equal(t, ok, false)
}

func TestCurrencyIdentityRate(t *testing.T) {
	// identity needs no payload at all
	source := NewCurrencyDataSource(&CurrencyDefinition{Codes: []string{"USD"}})
	rate, ok := source.Rate("USD", "USD", time.Now())
	assert.Equal(t, ok, true)
	assert.Equal(t, rate, 1.0)
}

func TestCurrencyFormat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, source := loadCurrency(t, ctx)
	defer registry.Close()

	format, ok := source.Format("USD")
	assert.Equal(t, ok, true)
	assert.Equal(t, format, "[$$]#,##0.00")

	format, ok = source.Format("EUR")
	assert.Equal(t, ok, true)
	assert.Equal(t, format, "#,##0.00[$€]")

	// zero decimals
	format, ok = source.Format("JPY")
	assert.Equal(t, ok, true)
	assert.Equal(t, format, "[$¥]#,##0")

	_, ok = source.Format("GBP")
	assert.Equal(t, ok, false)
}
