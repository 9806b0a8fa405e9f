package stream

import (
	"time"
)

// 超时估计的默认参数
const (
	DefaultMinTimeout     = 100 * time.Millisecond
	DefaultMaxTimeout     = 3000 * time.Millisecond
	DefaultInitialTimeout = 1000 * time.Millisecond

	rttAlpha = 0.125
	rttBeta  = 0.25
)

// RTOEstimator 根据RTT采样自适应计算重传超时
//
//	S' = (1-α)·S + α·r
//	D  = (1-β)·|S - r|
//	RTO = clamp(S' + 4·D, min, max)
//
// 首次采样时S取r本身。
type RTOEstimator struct {
	min, max time.Duration

	srtt       time.Duration // 平滑RTT
	lastSample time.Duration // 最近一次采样
	timeout    time.Duration // 当前超时
	sampled    bool          // 是否已有采样
}

// NewRTOEstimator 创建估计器，initial会被限制在[min, max]内
func NewRTOEstimator(initial, min, max time.Duration) *RTOEstimator {
	if min <= 0 {
		min = DefaultMinTimeout
	}
	if max < min {
		max = min
	}
	e := &RTOEstimator{min: min, max: max}
	e.timeout = e.clamp(initial)
	return e
}

// Sample 输入一次RTT采样并返回更新后的超时
func (e *RTOEstimator) Sample(rtt time.Duration) time.Duration {
	if rtt < 0 {
		rtt = 0
	}
	e.lastSample = rtt

	prev := e.srtt
	if !e.sampled {
		prev = rtt
		e.sampled = true
	}

	smoothed := time.Duration((1-rttAlpha)*float64(prev) + rttAlpha*float64(rtt))
	deviation := time.Duration((1 - rttBeta) * float64(abs(prev-rtt)))

	e.timeout = e.clamp(smoothed + 4*deviation)
	e.srtt = smoothed
	return e.timeout
}

func (e *RTOEstimator) clamp(d time.Duration) time.Duration {
	if d < e.min {
		return e.min
	}
	if d > e.max {
		return e.max
	}
	return d
}

func (e *RTOEstimator) Timeout() time.Duration     { return e.timeout }
func (e *RTOEstimator) SmoothedRTT() time.Duration { return e.srtt }
func (e *RTOEstimator) LastSample() time.Duration  { return e.lastSample }

// 辅助函数：时间间隔绝对值
func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
