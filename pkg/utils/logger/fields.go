package logger

import (
	"time"

	"go.uber.org/zap"
)

type Field = zap.Field

// 常用字段构造函数，避免业务代码直接依赖zap
var (
	String   = zap.String
	Stringer = zap.Stringer
	Int      = zap.Int
	Int64    = zap.Int64
	Uint8    = zap.Uint8
	Uint16   = zap.Uint16
	Uint32   = zap.Uint32
	Uint64   = zap.Uint64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Any      = zap.Any
	Err      = zap.Error
)

func Duration(key string, d time.Duration) Field {
	return zap.Duration(key, d)
}
