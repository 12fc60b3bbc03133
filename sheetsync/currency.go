package sheetsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const CurrencyModel = "currency"
const CurrencyRateModel = "currency.rate"

const currencyDateFormat = "2006-01-02"

type CurrencyDefinition struct {
	// currency codes of interest
	Codes []string `json:"codes"`
}

func CurrencyKey() string {
	return "currency"
}

type currencyMeta struct {
	symbol      string
	decimals    int
	symbolFirst bool
}

type currencyRate struct {
	date time.Time
	rate float64
}

type currencyPayload struct {
	// (from, to) -> rates sorted by date descending
	rates map[currencyPair][]currencyRate
	metas map[string]*currencyMeta
}

// comparable
type currencyPair struct {
	from string
	to   string
}

type CurrencyDataSource struct {
	key        string
	definition *CurrencyDefinition

	stateLock sync.Mutex
	payload   *currencyPayload
}

func NewCurrencyDataSource(definition *CurrencyDefinition) *CurrencyDataSource {
	return &CurrencyDataSource{
		key:        CurrencyKey(),
		definition: definition,
	}
}

func (self *CurrencyDataSource) Key() string {
	return self.key
}

func (self *CurrencyDataSource) Fetch(ctx context.Context, store RecordStore) (func(), error) {
	codes := self.definition.Codes

	metaResult, err := store.Query(ctx, &RecordQuery{
		Model:  CurrencyModel,
		Domain: Domain{{Field: "code", Operator: "in", Value: codes}},
		Fields: []string{"code", "symbol", "decimals", "symbol_first"},
	})
	if err != nil {
		return nil, err
	}

	rateResult, err := store.Query(ctx, &RecordQuery{
		Model:  CurrencyRateModel,
		Domain: Domain{{Field: "from", Operator: "in", Value: codes}},
		Fields: []string{"from", "to", "date", "rate"},
	})
	if err != nil {
		return nil, err
	}

	payload := &currencyPayload{
		rates: map[currencyPair][]currencyRate{},
		metas: map[string]*currencyMeta{},
	}

	for _, record := range metaResult.Records {
		code, _ := record["code"].(string)
		if code == "" {
			continue
		}
		symbol, _ := record["symbol"].(string)
		decimals := int(numberOf(record["decimals"]))
		symbolFirst, _ := record["symbol_first"].(bool)
		payload.metas[code] = &currencyMeta{
			symbol:      symbol,
			decimals:    decimals,
			symbolFirst: symbolFirst,
		}
	}

	for _, record := range rateResult.Records {
		from, _ := record["from"].(string)
		to, _ := record["to"].(string)
		dateText, _ := record["date"].(string)
		if from == "" || to == "" {
			continue
		}
		date, err := time.Parse(currencyDateFormat, dateText)
		if err != nil {
			continue
		}
		pair := currencyPair{from: from, to: to}
		payload.rates[pair] = append(payload.rates[pair], currencyRate{
			date: date,
			rate: numberOf(record["rate"]),
		})
	}
	for pair := range payload.rates {
		rates := payload.rates[pair]
		sort.Slice(rates, func(i int, j int) bool {
			return rates[j].date.Before(rates[i].date)
		})
	}

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.payload = payload
	}, nil
}

func (self *CurrencyDataSource) currentPayload() *currencyPayload {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.payload
}

// Rate looks up the conversion rate at the given date, using the exact or
// most-recent-prior rate. No interpolation. An unknown pair or a date before
// the first known rate returns ok=false, never a numeric default.
// from == to short-circuits to 1 without touching the cache.
func (self *CurrencyDataSource) Rate(from string, to string, date time.Time) (float64, bool) {
	if from == to {
		return 1, true
	}
	payload := self.currentPayload()
	if payload == nil {
		return 0, false
	}
	rates, ok := payload.rates[currencyPair{from: from, to: to}]
	if !ok {
		return 0, false
	}
	// sorted by date descending. take the first rate not after `date`.
	for _, rate := range rates {
		if !rate.date.After(date) {
			return rate.rate, true
		}
	}
	return 0, false
}

// Format builds a display format string from the currency metadata.
// Unknown currencies return ok=false so callers fall back to a default
// format instead of producing malformed output.
func (self *CurrencyDataSource) Format(code string) (string, bool) {
	payload := self.currentPayload()
	if payload == nil {
		return "", false
	}
	meta, ok := payload.metas[code]
	if !ok {
		return "", false
	}
	digits := "#,##0"
	if 0 < meta.decimals {
		digits = fmt.Sprintf("%s.%s", digits, strings.Repeat("0", meta.decimals))
	}
	if meta.symbol == "" {
		return digits, true
	}
	if meta.symbolFirst {
		return fmt.Sprintf("[$%s]%s", meta.symbol, digits), true
	}
	return fmt.Sprintf("%s[$%s]", digits, meta.symbol), true
}
