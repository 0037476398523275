package controller

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/device"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// LinkCheck 链路检查组件，以解调余量和网关数量回复 LinkCheckReq
type LinkCheck struct{}

// NewLinkCheck 创建链路检查组件
func NewLinkCheck() *LinkCheck { return &LinkCheck{} }

// Name 组件名称
func (l *LinkCheck) Name() string { return "linkcheck" }

// OnReceivedPacket 上行带 LinkCheckReq 时准备 LinkCheckAns
func (l *LinkCheck) OnReceivedPacket(rec *device.Record, obs *device.Observation) {
	if obs.Frame == nil {
		return
	}
	if _, ok := obs.Frame.Command(lorawan.LinkCheckReq); !ok {
		return
	}

	ans := linkCheckAnswer(obs)
	rec.Reply.AddCommand(ans.MACCommand())

	log.Debug().
		Str("devAddr", rec.Addr.String()).
		Uint8("margin", ans.Margin).
		Uint8("gwCnt", ans.GwCnt).
		Msg("响应 LinkCheckReq")
}

// BeforeSendingReply 用最新的网关数量刷新应答
func (l *LinkCheck) BeforeSendingReply(rec *device.Record) {
	if _, ok := rec.Reply.Command(lorawan.LinkCheckAns); !ok {
		return
	}
	latest := rec.Latest()
	if latest == nil {
		return
	}
	rec.Reply.AddCommand(linkCheckAnswer(latest).MACCommand())
}

// OnFailedReply 丢弃待发的应答
func (l *LinkCheck) OnFailedReply(rec *device.Record) {
	rec.Reply.RemoveCommand(lorawan.LinkCheckAns)
}

func linkCheckAnswer(obs *device.Observation) lorawan.LinkCheckAnsPayload {
	gwCnt := obs.GatewayCount()
	if gwCnt > math.MaxUint8 {
		gwCnt = math.MaxUint8
	}

	var margin float64
	if threshold, ok := lorawan.RequiredSNR(obs.DataRate); ok {
		best := math.Inf(-1)
		for _, rx := range obs.Gateways {
			best = math.Max(best, rx.SNR)
		}
		margin = math.Round(best - threshold)
	}
	margin = math.Max(0, math.Min(254, margin))

	return lorawan.LinkCheckAnsPayload{
		Margin: uint8(margin),
		GwCnt:  uint8(gwCnt),
	}
}
