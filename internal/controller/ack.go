package controller

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/device"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// Ack 确认上行组件，为确认帧置 ACK 位
type Ack struct{}

// NewAck 创建确认处理组件
func NewAck() *Ack { return &Ack{} }

// Name 组件名称
func (a *Ack) Name() string { return "ack" }

// OnReceivedPacket 收到确认上行时置 ACK 位
func (a *Ack) OnReceivedPacket(rec *device.Record, obs *device.Observation) {
	if obs.Frame == nil || obs.Frame.MHDR.MType != lorawan.ConfirmedDataUp {
		return
	}
	rec.Reply.SetAck(rec.Addr)

	log.Debug().
		Str("devAddr", rec.Addr.String()).
		Uint32("fCnt", obs.FCnt).
		Msg("确认上行，已设置 ACK")
}

// BeforeSendingReply 无操作
func (a *Ack) BeforeSendingReply(*device.Record) {}

// OnFailedReply 下行未发出时撤回 ACK 位
func (a *Ack) OnFailedReply(rec *device.Record) {
	if !rec.Reply.HasAck() {
		return
	}
	rec.Reply.ClearAck()

	log.Warn().
		Str("devAddr", rec.Addr.String()).
		Msg("回复发送失败，撤销 ACK")
}
