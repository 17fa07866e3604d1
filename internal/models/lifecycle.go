package models

// InterruptionKind 宿主生命周期中断信号类型
type InterruptionKind string

const (
	InterruptionHidden       InterruptionKind = "hidden"
	InterruptionPageHide     InterruptionKind = "pagehide"
	InterruptionFreeze       InterruptionKind = "freeze"
	InterruptionBlur         InterruptionKind = "blur"
	InterruptionBeforeUnload InterruptionKind = "beforeunload"
	InterruptionPause        InterruptionKind = "pause"
	InterruptionVisible      InterruptionKind = "visible"
	InterruptionResume       InterruptionKind = "resume"
)

// Critical 是否为关键信号（宿主即将挂起/销毁，落盘必须限时完成）
func (k InterruptionKind) Critical() bool {
	switch k {
	case InterruptionPageHide, InterruptionBeforeUnload, InterruptionFreeze:
		return true
	}
	return false
}

// InterruptionEvent 中断事件
type InterruptionEvent struct {
	Kind      InterruptionKind `json:"kind"`
	Timestamp int64            `json:"timestamp"`
	// 事件发生时是否有活动记录会话
	WasRecording bool `json:"was_recording"`
}
