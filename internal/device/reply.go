package device

import (
	"errors"
	"fmt"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// ErrEmptyReply 下行没有任何内容
var ErrEmptyReply = errors.New("reply has nothing to send")

// Reply 设备的待发下行，由控制组件在加锁时构建，由调度器最终发出
type Reply struct {
	needsReply bool
	ack        bool
	ackAddr    lorawan.DevAddr
	commands   []lorawan.MACCommand
}

// NeedsReply 是否需要发送下行
func (r *Reply) NeedsReply() bool { return r.needsReply }

// MarkNeedsReply 标记需要发送
func (r *Reply) MarkNeedsReply() { r.needsReply = true }

// SetAck 置 ACK 位
func (r *Reply) SetAck(addr lorawan.DevAddr) {
	r.ack = true
	r.ackAddr = addr
	r.needsReply = true
}

// ClearAck 清除 ACK 位，仍有 MAC 命令时保持需要发送
func (r *Reply) ClearAck() {
	r.ack = false
	r.ackAddr = lorawan.DevAddr{}
	r.needsReply = r.needsReply && len(r.commands) > 0
}

// HasAck 是否已置 ACK 位
func (r *Reply) HasAck() bool { return r.ack }

// AddCommand 添加 MAC 命令，替换相同 CID 的命令
func (r *Reply) AddCommand(cmd lorawan.MACCommand) {
	for i := range r.commands {
		if r.commands[i].CID == cmd.CID {
			r.commands[i] = cmd
			r.needsReply = true
			return
		}
	}
	r.commands = append(r.commands, cmd)
	r.needsReply = true
}

// Command 按 CID 返回命令
func (r *Reply) Command(cid byte) (lorawan.MACCommand, bool) {
	for _, cmd := range r.commands {
		if cmd.CID == cid {
			return cmd, true
		}
	}
	return lorawan.MACCommand{}, false
}

// RemoveCommand 删除命令
func (r *Reply) RemoveCommand(cid byte) {
	out := r.commands[:0]
	for _, cmd := range r.commands {
		if cmd.CID != cid {
			out = append(out, cmd)
		}
	}
	r.commands = out
	if len(r.commands) == 0 && !r.ack {
		r.needsReply = false
	}
}

// Commands 按添加顺序返回命令副本
func (r *Reply) Commands() []lorawan.MACCommand {
	out := make([]lorawan.MACCommand, len(r.commands))
	copy(out, r.commands)
	return out
}

// Reset 清空
func (r *Reply) Reset() {
	*r = Reply{}
}

// Marshal 组装非确认下行 PHYPayload，ACK 位和 MAC 命令放在 FOpts。
// 密钥非零时计算下行 MIC
func (r *Reply) Marshal(addr lorawan.DevAddr, fCntDown uint32, sNwkSIntKey lorawan.AES128Key) ([]byte, error) {
	if !r.needsReply {
		return nil, ErrEmptyReply
	}
	if r.ack && r.ackAddr != addr {
		return nil, fmt.Errorf("ack staged for %s, reply addressed to %s", r.ackAddr, addr)
	}

	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: addr,
			FCtrl:   lorawan.FCtrl{ACK: r.ack},
			FCnt:    uint16(fCntDown),
			FOpts:   lorawan.EncodeMACCommands(r.commands),
		},
	}
	macBytes, err := mac.Marshal(false)
	if err != nil {
		return nil, fmt.Errorf("marshal MAC payload: %w", err)
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.UnconfirmedDataDown,
			Major: lorawan.LoRaWAN1_0,
		},
		MACPayload: macBytes,
	}
	if !sNwkSIntKey.IsZero() {
		if err := phy.SetDownlinkDataMIC(fCntDown, sNwkSIntKey); err != nil {
			return nil, err
		}
	}
	return phy.MarshalBinary()
}
