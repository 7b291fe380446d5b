package log

import (
	"context"
	"time"
)

type Log interface {
	Log(level Level, msg string, fields ...Field)

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	With(fields ...Field) Log
	WithContext(ctx context.Context) Log

	SetLevel(level Level)
	GetLevel() Level
}

type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Field struct {
	Key   string
	Type  FieldType
	Value any
}

// A FieldType indicates how Value should be serialized.
type FieldType uint8

const (
	UnknownType FieldType = iota
	BoolType
	DurationType
	IntType
	Int32Type
	StringType
	Uint64Type
	Uint16Type
	Uint8Type
	ErrorType
)

func Any(key string, val any) Field { return Field{Key: key, Type: UnknownType, Value: val} }

func Bool(key string, val bool) Field { return Field{Key: key, Type: BoolType, Value: val} }

func Duration(key string, val time.Duration) Field {
	return Field{Key: key, Type: DurationType, Value: val}
}

func Int(key string, val int) Field     { return Field{Key: key, Type: IntType, Value: val} }
func Int32(key string, val int32) Field { return Field{Key: key, Type: Int32Type, Value: val} }

func String(key string, val string) Field { return Field{Key: key, Type: StringType, Value: val} }

// Uint64 also carries entity ids and counters.
func Uint64(key string, val uint64) Field { return Field{Key: key, Type: Uint64Type, Value: val} }
func Uint16(key string, val uint16) Field { return Field{Key: key, Type: Uint16Type, Value: val} }
func Uint8(key string, val uint8) Field   { return Field{Key: key, Type: Uint8Type, Value: val} }

// Error logs err under the "error" key. A nil err is logged as null.
func Error(val error) Field { return Field{Key: "error", Type: ErrorType, Value: val} }
