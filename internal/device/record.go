// Package device 终端设备状态：上行历史、射频参数和待发下行
package device

import (
	"sync"
	"time"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// ADRRequest 已下发但尚未应答的 LinkADRReq
type ADRRequest struct {
	DataRate   uint8
	TxPowerDBm float64
	Sent       bool
}

// Record 网络侧的设备记录。除 Lock/Unlock 外，所有字段和方法都须在加锁时使用
type Record struct {
	mu sync.Mutex

	Addr        lorawan.DevAddr
	DevEUI      lorawan.EUI64
	SNwkSIntKey lorawan.AES128Key
	RX1DROffset uint8

	DataRate   uint8
	TxPowerDBm float64
	FCntUp     uint32
	NFCntDown  uint32

	Reply      Reply
	PendingADR *ADRRequest
	LastSeenAt time.Time

	history       *History
	replyPrepared bool
	closed        bool
}

// NewRecord 根据设备会话创建记录
func NewRecord(s lorawan.DeviceSession, historyRange int) *Record {
	return &Record{
		Addr:        s.DevAddr,
		DevEUI:      s.DevEUI,
		SNwkSIntKey: s.SNwkSIntKey,
		RX1DROffset: s.RX1DROffset,
		DataRate:    s.DR,
		TxPowerDBm:  s.TxPowerDBm,
		FCntUp:      s.FCntUp,
		NFCntDown:   s.NFCntDown,
		history:     NewHistory(historyRange),
	}
}

// Lock 加锁
func (r *Record) Lock() { r.mu.Lock() }

// Unlock 解锁
func (r *Record) Unlock() { r.mu.Unlock() }

// History 上行历史
func (r *Record) History() *History { return r.history }

// Latest 最新上行，没有则为 nil
func (r *Record) Latest() *Observation { return r.history.Latest() }

// Merge 将上行并入历史。新的最新帧计数开始新一轮：丢弃旧的待发下行，并采用上行速率
func (r *Record) Merge(obs *Observation) (*Observation, InsertResult) {
	stored, result := r.history.Insert(obs)
	if result == Appended {
		r.Reply.Reset()
		if r.PendingADR != nil && !r.PendingADR.Sent {
			r.PendingADR = nil
		}
		r.replyPrepared = false
		r.FCntUp = obs.FCnt
		r.DataRate = obs.DataRate
		r.LastSeenAt = obs.ReceivedAt
	}
	return stored, result
}

// ReplyPrepared 本轮下行是否已准备
func (r *Record) ReplyPrepared() bool { return r.replyPrepared }

// MarkReplyPrepared 标记本轮已调用 BeforeSendingReply
func (r *Record) MarkReplyPrepared() { r.replyPrepared = true }

// Close 标记设备已注销并丢弃待发下行
func (r *Record) Close() {
	r.closed = true
	r.Reply.Reset()
	r.PendingADR = nil
}

// Closed 设备是否已注销
func (r *Record) Closed() bool { return r.closed }

// Session 返回可持久化的会话状态
func (r *Record) Session() lorawan.DeviceSession {
	return lorawan.DeviceSession{
		DevEUI:      r.DevEUI,
		DevAddr:     r.Addr,
		SNwkSIntKey: r.SNwkSIntKey,
		FCntUp:      r.FCntUp,
		NFCntDown:   r.NFCntDown,
		RX1DROffset: r.RX1DROffset,
		DR:          r.DataRate,
		TxPowerDBm:  r.TxPowerDBm,
	}
}

// Status 供 API 使用的只读快照
type Status struct {
	DevAddr      lorawan.DevAddr `json:"devAddr"`
	DevEUI       lorawan.EUI64   `json:"devEUI"`
	DataRate     uint8           `json:"dataRate"`
	TxPowerDBm   float64         `json:"txPowerDBm"`
	FCntUp       uint32          `json:"fCntUp"`
	NFCntDown    uint32          `json:"nFCntDown"`
	HistoryLen   int             `json:"historyLen"`
	NeedsReply   bool            `json:"needsReply"`
	LastSeenAt   time.Time       `json:"lastSeenAt"`
	LastGateways []GatewayRx     `json:"lastGateways,omitempty"`
}

// Status 加锁并返回快照
func (r *Record) Status() Status {
	r.Lock()
	defer r.Unlock()

	s := Status{
		DevAddr:    r.Addr,
		DevEUI:     r.DevEUI,
		DataRate:   r.DataRate,
		TxPowerDBm: r.TxPowerDBm,
		FCntUp:     r.FCntUp,
		NFCntDown:  r.NFCntDown,
		HistoryLen: r.history.Len(),
		NeedsReply: r.Reply.NeedsReply(),
		LastSeenAt: r.LastSeenAt,
	}
	if latest := r.history.Latest(); latest != nil {
		s.LastGateways = latest.RankedGateways()
	}
	return s
}
