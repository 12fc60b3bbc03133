package sheetsync

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// Formula functions read business data through the registry, never fetch
// directly. A read before the data source is loaded returns the loading
// sentinel so the grid shows a pending indicator and re-evaluates once the
// registry reports the load complete. Loading is always triggered
// out-of-band (on document open, on definition change), never during a
// synchronous evaluation pass.

type EvalContext struct {
	Registry *Registry
	Position CellPosition
}

type ComputeFunction func(evalCtx *EvalContext, args []CellValue) CellValue

type FunctionArg struct {
	Name     string
	Optional bool
}

type FormulaFunction struct {
	Name    string
	Args    []FunctionArg
	Compute ComputeFunction
}

type FunctionTable struct {
	stateLock sync.Mutex
	functions map[string]*FormulaFunction
}

func NewFunctionTable() *FunctionTable {
	return &FunctionTable{
		functions: map[string]*FormulaFunction{},
	}
}

func (self *FunctionTable) Register(function *FormulaFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.functions[strings.ToUpper(function.Name)] = function
}

func (self *FunctionTable) Get(name string) (*FormulaFunction, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	function, ok := self.functions[strings.ToUpper(name)]
	return function, ok
}

func (self *FunctionTable) Names() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.functions)
}

// Compute evaluates one registered function call. Required arguments must be
// present; extra arguments beyond the signature are an error value, not a
// crash, so one bad cell never aborts a recomputation pass.
func (self *FunctionTable) Compute(evalCtx *EvalContext, name string, args []CellValue) CellValue {
	function, ok := self.Get(name)
	if !ok {
		return ErrorValue("unknown function %s", name)
	}
	required := 0
	for _, arg := range function.Args {
		if !arg.Optional {
			required += 1
		}
	}
	if len(args) < required || len(function.Args) < len(args) {
		return ErrorValue("%s expects %d..%d arguments, got %d", function.Name, required, len(function.Args), len(args))
	}
	return function.Compute(evalCtx, args)
}

// RegisterDataFunctions registers the data-bound built-ins into the host's
// function table.
func RegisterDataFunctions(table *FunctionTable) {
	table.Register(&FormulaFunction{
		Name: "PIVOT",
		Args: []FunctionArg{
			{Name: "pivot_id"},
			{Name: "measure"},
			{Name: "row_key", Optional: true},
			{Name: "col_key", Optional: true},
		},
		Compute: computePivotValue,
	})
	table.Register(&FormulaFunction{
		Name: "PIVOT.HEADER",
		Args: []FunctionArg{
			{Name: "pivot_id"},
			{Name: "axis"},
			{Name: "key"},
		},
		Compute: computePivotHeader,
	})
	table.Register(&FormulaFunction{
		Name: "LIST",
		Args: []FunctionArg{
			{Name: "list_id"},
			{Name: "row_index"},
			{Name: "field"},
		},
		Compute: computeListValue,
	})
	table.Register(&FormulaFunction{
		Name: "LIST.HEADER",
		Args: []FunctionArg{
			{Name: "list_id"},
			{Name: "field"},
		},
		Compute: computeListHeader,
	})
	table.Register(&FormulaFunction{
		Name: "CURRENCY.RATE",
		Args: []FunctionArg{
			{Name: "from"},
			{Name: "to"},
			{Name: "date", Optional: true},
		},
		Compute: computeCurrencyRate,
	})
}

// resolve a data source read into either the source, a loading sentinel, or
// an error value
func readSource[S DataSource](evalCtx *EvalContext, key string) (S, CellValue, bool) {
	var empty S
	source, err := evalCtx.Registry.Get(key)
	if err != nil {
		var notLoaded *NotLoadedError
		if errors.As(err, &notLoaded) {
			return empty, LoadingValue(), false
		}
		return empty, ErrorValue("%s", err), false
	}
	typed, ok := source.(S)
	if !ok {
		return empty, ErrorValue("wrong data source type for %s", key), false
	}
	return typed, CellValue{}, true
}

func computePivotValue(evalCtx *EvalContext, args []CellValue) CellValue {
	source, sentinel, ok := readSource[*PivotDataSource](evalCtx, PivotKey(args[0].Text))
	if !ok {
		return sentinel
	}
	rowKey := ""
	colKey := ""
	if 2 < len(args) {
		rowKey = args[2].Text
	}
	if 3 < len(args) {
		colKey = args[3].Text
	}
	value, ok := source.Value(rowKey, colKey, args[1].Text)
	if !ok {
		// unpopulated intersection of a sparse cube
		return EmptyValue()
	}
	return NumberValue(value)
}

func computePivotHeader(evalCtx *EvalContext, args []CellValue) CellValue {
	source, sentinel, ok := readSource[*PivotDataSource](evalCtx, PivotKey(args[0].Text))
	if !ok {
		return sentinel
	}
	axis := Axis(args[1].Text)
	key := args[2].Text
	if source.GroupIndex(axis, key) < 0 {
		return ErrorValue("unknown %s group %s", axis, key)
	}
	return TextValue(key)
}

func computeListValue(evalCtx *EvalContext, args []CellValue) CellValue {
	source, sentinel, ok := readSource[*ListDataSource](evalCtx, ListKey(args[0].Text))
	if !ok {
		return sentinel
	}
	rowIndex := int(args[1].Number)
	value, ok := source.CellValue(rowIndex, args[2].Text)
	if !ok {
		return ErrorValue("list row %d out of range", rowIndex)
	}
	return value
}

func computeListHeader(evalCtx *EvalContext, args []CellValue) CellValue {
	source, sentinel, ok := readSource[*ListDataSource](evalCtx, ListKey(args[0].Text))
	if !ok {
		return sentinel
	}
	return TextValue(source.HeaderLabel(args[1].Text))
}

func computeCurrencyRate(evalCtx *EvalContext, args []CellValue) CellValue {
	from := args[0].Text
	to := args[1].Text
	// identity rate needs no cache at all
	if from == to {
		return NumberValue(1)
	}
	source, sentinel, ok := readSource[*CurrencyDataSource](evalCtx, CurrencyKey())
	if !ok {
		return sentinel
	}
	date := time.Now()
	if 2 < len(args) && args[2].Text != "" {
		parsed, err := time.Parse(currencyDateFormat, args[2].Text)
		if err != nil {
			return ErrorValue("bad date %s", args[2].Text)
		}
		date = parsed
	}
	rate, ok := source.Rate(from, to, date)
	if !ok {
		return ErrorValue("no rate %s/%s", from, to)
	}
	return NumberValue(rate)
}

// parsedFormula is the shallow shape of a data-bound formula: the function
// name and its raw top-level argument strings.
type parsedFormula struct {
	name string
	args []string
}

func (self *parsedFormula) String() string {
	return fmt.Sprintf("=%s(%s)", self.name, strings.Join(self.args, ","))
}

func (self *parsedFormula) arg(index int) string {
	if index < 0 || len(self.args) <= index {
		return ""
	}
	return unquoteArg(self.args[index])
}

func (self *parsedFormula) setArg(index int, value string) {
	if index < 0 || len(self.args) <= index {
		return
	}
	self.args[index] = strconv.Quote(value)
}

// parseFormula splits `=NAME(arg, arg, ...)` into the name and the raw
// top-level arguments, respecting quoted strings and nested parentheses.
// This is intentionally shallow: full formula parsing belongs to the host's
// formula engine.
func parseFormula(formula string) (*parsedFormula, bool) {
	content := strings.TrimSpace(formula)
	if !strings.HasPrefix(content, "=") {
		return nil, false
	}
	content = content[1:]
	open := strings.Index(content, "(")
	if open < 0 || !strings.HasSuffix(content, ")") {
		return nil, false
	}
	name := strings.TrimSpace(content[:open])
	if name == "" {
		return nil, false
	}
	inner := content[open+1 : len(content)-1]

	args := []string{}
	if strings.TrimSpace(inner) != "" {
		depth := 0
		inQuote := false
		start := 0
		for i := 0; i < len(inner); i += 1 {
			c := inner[i]
			switch {
			case inQuote:
				if c == '\\' {
					i += 1
				} else if c == '"' {
					inQuote = false
				}
			case c == '"':
				inQuote = true
			case c == '(':
				depth += 1
			case c == ')':
				depth -= 1
			case c == ',' && depth == 0:
				args = append(args, strings.TrimSpace(inner[start:i]))
				start = i + 1
			}
		}
		if inQuote || depth != 0 {
			return nil, false
		}
		args = append(args, strings.TrimSpace(inner[start:]))
	}

	return &parsedFormula{
		name: strings.ToUpper(name),
		args: args,
	}, true
}

func unquoteArg(arg string) string {
	if unquoted, err := strconv.Unquote(arg); err == nil {
		return unquoted
	}
	return arg
}
