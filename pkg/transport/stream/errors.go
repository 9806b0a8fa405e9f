package stream

import "github.com/pkg/errors"

// 连接层错误类型
// 均为可恢复的本地错误；ErrBufferEmpty、ErrWindowFull、ErrBufferFull是背压下的正常结果，调用方稍后重试即可。
var (
	ErrInvalidState     = errors.New("invalid connection state")
	ErrBufferFull       = errors.New("buffer is full")
	ErrBufferEmpty      = errors.New("buffer is empty")
	ErrWindowFull       = errors.New("send window is full")
	ErrTimeout          = errors.New("operation timed out") // 保留给上层使用，连接层内部通过重传处理超时
	ErrConnectionClosed = errors.New("connection closed")
	ErrSegmentTooLarge  = errors.New("payload exceeds maximum segment size")
)

// IsTemporary 判断错误是否为背压导致、可重试的错误
func IsTemporary(err error) bool {
	return errors.Is(err, ErrBufferFull) ||
		errors.Is(err, ErrBufferEmpty) ||
		errors.Is(err, ErrWindowFull)
}
