package logger

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation 文件日志切割策略
// Mode为"size"时按大小切割(lumberjack)，为"time"时按时间切割(file-rotatelogs)，为空时不切割
type Rotation struct {
	Mode         string        // 切割方式: size, time 或空
	MaxSizeMB    int           // 单文件最大尺寸(MB)，size模式
	MaxBackups   int           // 保留的历史文件数，size模式
	MaxAge       time.Duration // 历史文件最长保留时间
	RotationTime time.Duration // 切割周期，time模式
	Compress     bool          // 是否压缩历史文件，size模式
}

// openSink 根据输出目标创建写入器
func openSink(out string, r Rotation) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if dir := filepath.Dir(out); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create log dir %s", dir)
		}
	}

	switch strings.ToLower(r.Mode) {
	case "size":
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    atLeast(r.MaxSizeMB, 10),
			MaxBackups: atLeast(r.MaxBackups, 1),
			MaxAge:     atLeast(int(r.MaxAge/(24*time.Hour)), 7),
			Compress:   r.Compress,
		}), nil
	case "time":
		period := r.RotationTime
		if period <= 0 {
			period = 24 * time.Hour
		}
		maxAge := r.MaxAge
		if maxAge <= 0 {
			maxAge = 7 * 24 * time.Hour
		}
		rl, err := rotatelogs.New(
			out+".%Y%m%d%H%M",
			rotatelogs.WithLinkName(out),
			rotatelogs.WithRotationTime(period),
			rotatelogs.WithMaxAge(maxAge),
		)
		if err != nil {
			return nil, errors.Wrapf(err, "open rotating log %s", out)
		}
		return zapcore.AddSync(rl), nil
	}

	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", out)
	}
	return zapcore.AddSync(f), nil
}

func atLeast(v, min int) int {
	if v < min {
		return min
	}
	return v
}
