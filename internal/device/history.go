package device

import (
	"sort"
	"time"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// RxInfo 单个网关的接收信息
type RxInfo struct {
	RSSI       float64   `json:"rssi"`
	SNR        float64   `json:"snr"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// GatewayRx 网关及其接收信息
type GatewayRx struct {
	GatewayID lorawan.EUI64 `json:"gatewayID"`
	RxInfo
}

// Observation 一条上行，合并了所有收到它的网关
type Observation struct {
	FCnt       uint32                   `json:"fCnt"`
	PHYPayload []byte                   `json:"-"`
	Frame      *lorawan.DataFrame       `json:"-"`
	Frequency  uint32                   `json:"frequency"`
	DataRate   uint8                    `json:"dataRate"`
	Gateways   map[lorawan.EUI64]RxInfo `json:"gateways"`
	ReceivedAt time.Time                `json:"receivedAt"` // first report
}

// GatewayCount 收到该上行的网关数量
func (o *Observation) GatewayCount() int {
	return len(o.Gateways)
}

// RankedGateways 按信号强度排序网关，RSSI 相同时比较 SNR，再比较网关ID
func (o *Observation) RankedGateways() []GatewayRx {
	out := make([]GatewayRx, 0, len(o.Gateways))
	for id, rx := range o.Gateways {
		out = append(out, GatewayRx{GatewayID: id, RxInfo: rx})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		if out[i].SNR != out[j].SNR {
			return out[i].SNR > out[j].SNR
		}
		return out[i].GatewayID.String() < out[j].GatewayID.String()
	})
	return out
}

func (o *Observation) merge(other *Observation) {
	for id, rx := range other.Gateways {
		o.Gateways[id] = rx
	}
	if other.ReceivedAt.Before(o.ReceivedAt) {
		o.ReceivedAt = other.ReceivedAt
	}
}

// InsertResult History.Insert 的处理结果
type InsertResult int

const (
	// Appended 新的最新帧计数
	Appended InsertResult = iota
	// Merged 已存帧计数的其他网关报告
	Merged
	// InsertedLate 较旧的帧计数，按顺序插入
	InsertedLate
	// Discarded 历史已满且比所有记录都旧
	Discarded
)

func (r InsertResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Merged:
		return "merged"
	case InsertedLate:
		return "late"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

// History 按 FCnt 排序的定长环形缓冲，最旧在前，淘汰时移动 head
type History struct {
	buf   []*Observation
	head  int
	count int
}

// NewHistory 创建容量为 capacity 的历史
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]*Observation, capacity)}
}

// Cap 容量
func (h *History) Cap() int { return len(h.buf) }

// Len 已存记录数
func (h *History) Len() int { return h.count }

// At 第 i 条记录，0 为最旧
func (h *History) At(i int) *Observation {
	if i < 0 || i >= h.count {
		return nil
	}
	return h.buf[(h.head+i)%len(h.buf)]
}

// Latest 最新记录，没有则为 nil
func (h *History) Latest() *Observation {
	return h.At(h.count - 1)
}

// Last 最近的至多 n 条记录，最旧在前
func (h *History) Last(n int) []*Observation {
	if n > h.count {
		n = h.count
	}
	out := make([]*Observation, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.At(i))
	}
	return out
}

// Find 按 FCnt 查找记录
func (h *History) Find(fCnt uint32) *Observation {
	i := h.search(fCnt)
	if i < h.count && h.At(i).FCnt == fCnt {
		return h.At(i)
	}
	return nil
}

// search 第一条 FCnt >= fCnt 的逻辑下标
func (h *History) search(fCnt uint32) int {
	return sort.Search(h.count, func(i int) bool { return h.At(i).FCnt >= fCnt })
}

func (h *History) set(i int, o *Observation) {
	h.buf[(h.head+i)%len(h.buf)] = o
}

// Insert 按 FCnt 顺序合并记录
func (h *History) Insert(obs *Observation) (*Observation, InsertResult) {
	if latest := h.Latest(); latest == nil || obs.FCnt > latest.FCnt {
		if h.count == len(h.buf) {
			h.buf[h.head] = nil
			h.head = (h.head + 1) % len(h.buf)
			h.count--
		}
		h.set(h.count, obs)
		h.count++
		return obs, Appended
	}

	i := h.search(obs.FCnt)
	if existing := h.At(i); existing != nil && existing.FCnt == obs.FCnt {
		existing.merge(obs)
		return existing, Merged
	}

	if h.count == len(h.buf) {
		if i == 0 {
			return nil, Discarded
		}
		// drop the oldest to make room; the insert point moves down by one
		h.buf[h.head] = nil
		h.head = (h.head + 1) % len(h.buf)
		h.count--
		i--
	}
	for j := h.count; j > i; j-- {
		h.set(j, h.At(j-1))
	}
	h.set(i, obs)
	h.count++
	return obs, InsertedLate
}
