package sheetsync

import (
	"encoding/json"
	"fmt"
	"sync"
)

type CommandType string

const (
	CommandTypeSetCell     CommandType = "set_cell"
	CommandTypeClearCell   CommandType = "clear_cell"
	CommandTypeUpdatePivot CommandType = "update_pivot"
	CommandTypeRemovePivot CommandType = "remove_pivot"
	CommandTypeUpdateList  CommandType = "update_list"
	CommandTypeRemoveList  CommandType = "remove_list"
)

// Command is one primitive document mutation. Commands are the unit carried
// by revisions and must round-trip through JSON unchanged.
type Command struct {
	Type CommandType `json:"type"`

	Position *CellPosition `json:"position,omitempty"`
	Content  string        `json:"content,omitempty"`

	PivotId string           `json:"pivot_id,omitempty"`
	Pivot   *PivotDefinition `json:"pivot,omitempty"`

	ListId string          `json:"list_id,omitempty"`
	List   *ListDefinition `json:"list,omitempty"`
}

func SetCellCommand(position CellPosition, content string) *Command {
	return &Command{
		Type:     CommandTypeSetCell,
		Position: &position,
		Content:  content,
	}
}

func ClearCellCommand(position CellPosition) *Command {
	return &Command{
		Type:     CommandTypeClearCell,
		Position: &position,
	}
}

func UpdatePivotCommand(pivotId string, definition *PivotDefinition) *Command {
	return &Command{
		Type:    CommandTypeUpdatePivot,
		PivotId: pivotId,
		Pivot:   definition,
	}
}

func UpdateListCommand(listId string, definition *ListDefinition) *Command {
	return &Command{
		Type:   CommandTypeUpdateList,
		ListId: listId,
		List:   definition,
	}
}

// Document is the cell state the collaborative session replays revisions
// into. Pivot and list definitions live in the document so redefinition
// travels through the same revision path as cell edits; the data sources
// themselves are referenced by key only and re-resolve per client.
type Document struct {
	stateLock sync.Mutex

	// content by position. content is raw text or a formula starting with =
	cells map[CellPosition]string

	pivots map[string]*PivotDefinition
	lists  map[string]*ListDefinition
}

func NewDocument() *Document {
	return &Document{
		cells:  map[CellPosition]string{},
		pivots: map[string]*PivotDefinition{},
		lists:  map[string]*ListDefinition{},
	}
}

// Apply mutates the document and returns the inverse command, which undoes
// the mutation. The session uses inverses to revert optimistic revisions.
func (self *Document) Apply(command *Command) (*Command, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch command.Type {
	case CommandTypeSetCell, CommandTypeClearCell:
		if command.Position == nil {
			return nil, fmt.Errorf("command %s requires a position", command.Type)
		}
		position := *command.Position
		previous, hadPrevious := self.cells[position]
		if command.Type == CommandTypeClearCell {
			delete(self.cells, position)
		} else {
			self.cells[position] = command.Content
		}
		if hadPrevious {
			return SetCellCommand(position, previous), nil
		}
		return ClearCellCommand(position), nil
	case CommandTypeUpdatePivot, CommandTypeRemovePivot:
		previous, hadPrevious := self.pivots[command.PivotId]
		if command.Type == CommandTypeRemovePivot {
			delete(self.pivots, command.PivotId)
		} else {
			self.pivots[command.PivotId] = command.Pivot
		}
		if hadPrevious {
			return UpdatePivotCommand(command.PivotId, previous), nil
		}
		return &Command{Type: CommandTypeRemovePivot, PivotId: command.PivotId}, nil
	case CommandTypeUpdateList, CommandTypeRemoveList:
		previous, hadPrevious := self.lists[command.ListId]
		if command.Type == CommandTypeRemoveList {
			delete(self.lists, command.ListId)
		} else {
			self.lists[command.ListId] = command.List
		}
		if hadPrevious {
			return UpdateListCommand(command.ListId, previous), nil
		}
		return &Command{Type: CommandTypeRemoveList, ListId: command.ListId}, nil
	default:
		return nil, fmt.Errorf("unknown command type %s", command.Type)
	}
}

// ApplyAll applies commands in order and returns the inverses in reverse
// order, ready to be applied as an undo batch.
func (self *Document) ApplyAll(commands []*Command) ([]*Command, error) {
	inverses := make([]*Command, 0, len(commands))
	for _, command := range commands {
		inverse, err := self.Apply(command)
		if err != nil {
			// roll back the partial batch
			for i := len(inverses) - 1; 0 <= i; i -= 1 {
				self.Apply(inverses[i])
			}
			return nil, err
		}
		inverses = append(inverses, inverse)
	}
	// reverse
	for i, j := 0, len(inverses)-1; i < j; i, j = i+1, j-1 {
		inverses[i], inverses[j] = inverses[j], inverses[i]
	}
	return inverses, nil
}

func (self *Document) CellContent(position CellPosition) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	content, ok := self.cells[position]
	return content, ok
}

func (self *Document) CellCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.cells)
}

func (self *Document) PivotDefinition(pivotId string) (*PivotDefinition, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	definition, ok := self.pivots[pivotId]
	return definition, ok
}

func (self *Document) ListDefinition(listId string) (*ListDefinition, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	definition, ok := self.lists[listId]
	return definition, ok
}

type cellSnapshot struct {
	Position CellPosition `json:"position"`
	Content  string       `json:"content"`
}

type documentSnapshot struct {
	Cells  []cellSnapshot              `json:"cells"`
	Pivots map[string]*PivotDefinition `json:"pivots"`
	Lists  map[string]*ListDefinition  `json:"lists"`
}

// Snapshot serializes the full document state for relay join.
func (self *Document) Snapshot() ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := &documentSnapshot{
		Cells:  []cellSnapshot{},
		Pivots: self.pivots,
		Lists:  self.lists,
	}
	for position, content := range self.cells {
		snapshot.Cells = append(snapshot.Cells, cellSnapshot{
			Position: position,
			Content:  content,
		})
	}
	return json.Marshal(snapshot)
}

// LoadSnapshot replaces the document state with a relay snapshot.
func (self *Document) LoadSnapshot(snapshotBytes []byte) error {
	if len(snapshotBytes) == 0 {
		// a new document has no snapshot yet
		return nil
	}
	snapshot := &documentSnapshot{}
	if err := json.Unmarshal(snapshotBytes, snapshot); err != nil {
		return err
	}

	cells := map[CellPosition]string{}
	for _, cell := range snapshot.Cells {
		cells[cell.Position] = cell.Content
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.cells = cells
	self.pivots = snapshot.Pivots
	self.lists = snapshot.Lists
	if self.pivots == nil {
		self.pivots = map[string]*PivotDefinition{}
	}
	if self.lists == nil {
		self.lists = map[string]*ListDefinition{}
	}
	return nil
}
