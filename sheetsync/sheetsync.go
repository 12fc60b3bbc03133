package sheetsync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
type CellPosition struct {
	Sheet string `json:"sheet"`
	Row   int    `json:"row"`
	Col   int    `json:"col"`
}

func (self CellPosition) String() string {
	return fmt.Sprintf("%s!r%dc%d", self.Sheet, self.Row, self.Col)
}

type CellValueType int

const (
	CellValueTypeEmpty CellValueType = iota
	CellValueTypeNumber
	CellValueTypeText
	CellValueTypeBool
	// value pending a data source load. distinct from both empty and error
	// so the grid can render a pending indicator and re-evaluate later
	CellValueTypeLoading
	CellValueTypeError
)

type CellValue struct {
	Type   CellValueType
	Number float64
	Text   string
	Bool   bool
	// error message for CellValueTypeError
	Message string
}

func EmptyValue() CellValue {
	return CellValue{Type: CellValueTypeEmpty}
}

func NumberValue(number float64) CellValue {
	return CellValue{Type: CellValueTypeNumber, Number: number}
}

func TextValue(text string) CellValue {
	return CellValue{Type: CellValueTypeText, Text: text}
}

func BoolValue(b bool) CellValue {
	return CellValue{Type: CellValueTypeBool, Bool: b}
}

func LoadingValue() CellValue {
	return CellValue{Type: CellValueTypeLoading}
}

func ErrorValue(format string, a ...any) CellValue {
	return CellValue{Type: CellValueTypeError, Message: fmt.Sprintf(format, a...)}
}

func (self CellValue) IsLoading() bool {
	return self.Type == CellValueTypeLoading
}

func (self CellValue) IsError() bool {
	return self.Type == CellValueTypeError
}

func (self CellValue) String() string {
	switch self.Type {
	case CellValueTypeNumber:
		return fmt.Sprintf("%v", self.Number)
	case CellValueTypeText:
		return self.Text
	case CellValueTypeBool:
		return fmt.Sprintf("%t", self.Bool)
	case CellValueTypeLoading:
		return "Loading..."
	case CellValueTypeError:
		return fmt.Sprintf("#ERROR(%s)", self.Message)
	default:
		return ""
	}
}
