// Package controller 网络控制组件，处理每条上行并生成待发下行
package controller

import (
	"github.com/lorawan-server/lorawan-netctl/internal/device"
)

// Component 控制链中的一个组件。所有回调都在设备记录加锁时调用，不得阻塞
type Component interface {
	// Name 日志中的组件名
	Name() string
	// OnReceivedPacket 每个新的上行帧计数调用一次
	OnReceivedPacket(rec *device.Record, obs *device.Observation)
	// BeforeSendingReply 每条上行调用一次，在第一个接收窗口打开时
	BeforeSendingReply(rec *device.Record)
	// OnFailedReply 两个接收窗口都无法发送时调用
	OnFailedReply(rec *device.Record)
}

// Chain 按注册顺序调用组件
type Chain []Component

// OnReceivedPacket 依次调用各组件
func (c Chain) OnReceivedPacket(rec *device.Record, obs *device.Observation) {
	for _, comp := range c {
		comp.OnReceivedPacket(rec, obs)
	}
}

// BeforeSendingReply 依次调用各组件
func (c Chain) BeforeSendingReply(rec *device.Record) {
	for _, comp := range c {
		comp.BeforeSendingReply(rec)
	}
}

// OnFailedReply 依次调用各组件
func (c Chain) OnFailedReply(rec *device.Record) {
	for _, comp := range c {
		comp.OnFailedReply(rec)
	}
}

// Names 按顺序列出组件名
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, comp := range c {
		names[i] = comp.Name()
	}
	return names
}
