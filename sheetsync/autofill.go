package sheetsync

import (
	"errors"
)

// Autofill extends a data-bound formula across adjacent cells when the user
// drags a selection handle. A rule is selected per drag from the origin
// cell's formula shape, then asked for the next formula on each extension
// step. Steps past either end of the axis clamp to the nearest in-range
// group key, matching general spreadsheet autofill behavior.

type AutofillDirection string

const (
	AutofillUp    AutofillDirection = "up"
	AutofillDown  AutofillDirection = "down"
	AutofillLeft  AutofillDirection = "left"
	AutofillRight AutofillDirection = "right"
)

// up/left are negative steps, down/right positive
func (self AutofillDirection) StepSign() int {
	switch self {
	case AutofillUp, AutofillLeft:
		return -1
	default:
		return 1
	}
}

// vertical drags walk the row axis, horizontal drags the column axis
func (self AutofillDirection) Axis() Axis {
	switch self {
	case AutofillLeft, AutofillRight:
		return AxisColumn
	default:
		return AxisRow
	}
}

type AutofillRule interface {
	// Next returns the formula for the next cell in the drag.
	Next() string
}

type AutofillEngine struct {
	registry *Registry
}

func NewAutofillEngine(registry *Registry) *AutofillEngine {
	return &AutofillEngine{
		registry: registry,
	}
}

// Rule matches the origin cell's formula and returns the rule driving the
// drag, or ok=false if the formula is not data-bound.
// `selectionBoundCells` is the number of other bound cells already included
// in the selection being extended; it sets the per-step stride.
func (self *AutofillEngine) Rule(
	formula string,
	direction AutofillDirection,
	selectionBoundCells int,
) (AutofillRule, bool) {
	parsed, ok := parseFormula(formula)
	if !ok {
		return nil, false
	}

	baseIncrement := selectionBoundCells
	if baseIncrement < 1 {
		baseIncrement = 1
	}

	switch parsed.name {
	case "PIVOT":
		source, err := self.pivotSource(parsed.arg(0))
		if err != nil {
			return nil, false
		}
		groupArgIndex := 2
		if direction.Axis() == AxisColumn {
			groupArgIndex = 3
		}
		if len(parsed.args) <= groupArgIndex {
			return nil, false
		}
		return &pivotAutofillRule{
			source:        source,
			parsed:        parsed,
			groupArgIndex: groupArgIndex,
			axis:          direction.Axis(),
			sign:          direction.StepSign(),
			baseIncrement: baseIncrement,
			originKey:     parsed.arg(groupArgIndex),
		}, true
	case "PIVOT.HEADER":
		source, err := self.pivotSource(parsed.arg(0))
		if err != nil {
			return nil, false
		}
		// headers carry their axis in the formula; only drags along that
		// axis step the key
		axis := Axis(parsed.arg(1))
		if axis != direction.Axis() {
			return nil, false
		}
		return &pivotAutofillRule{
			source:        source,
			parsed:        parsed,
			groupArgIndex: 2,
			axis:          axis,
			sign:          direction.StepSign(),
			baseIncrement: baseIncrement,
			originKey:     parsed.arg(2),
		}, true
	default:
		return nil, false
	}
}

func (self *AutofillEngine) pivotSource(pivotId string) (*PivotDataSource, error) {
	source, err := self.registry.Get(PivotKey(pivotId))
	if err != nil {
		return nil, err
	}
	pivotSource, ok := source.(*PivotDataSource)
	if !ok {
		return nil, errors.New("not a pivot data source")
	}
	return pivotSource, nil
}

type pivotAutofillRule struct {
	source        *PivotDataSource
	parsed        *parsedFormula
	groupArgIndex int
	axis          Axis
	sign          int
	baseIncrement int

	// the origin cell's group key. steps are always relative to it, not to
	// the last rewritten formula, so clamping never accumulates drift.
	originKey string
	current   int
}

func (self *pivotAutofillRule) Next() string {
	self.current += self.sign * self.baseIncrement

	originIndex := self.source.GroupIndex(self.axis, self.originKey)
	if originIndex < 0 {
		// origin key no longer in the axis. leave the formula as-is.
		return self.parsed.String()
	}

	targetIndex := originIndex + self.current
	// clamp at the axis boundaries instead of erroring
	count := self.source.GroupCount(self.axis)
	if targetIndex < 0 {
		targetIndex = 0
	} else if count <= targetIndex {
		targetIndex = count - 1
	}

	key, ok := self.source.GroupValueAt(self.axis, targetIndex)
	if !ok {
		return self.parsed.String()
	}
	self.parsed.setArg(self.groupArgIndex, key)
	return self.parsed.String()
}
