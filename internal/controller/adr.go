package controller

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/device"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// ErrInsufficientHistory 历史上行不足 history_range 条
var ErrInsufficientHistory = errors.New("insufficient uplink history")

// adrStep 每一步 ADR 对应的 SNR 余量 (dB)
const adrStep = 3.0

// Combiner SNR 样本合并方式
type Combiner int

const (
	Average Combiner = iota
	Maximum
	Minimum
)

// ParseCombiner 解析 avg|max|min，也接受完整写法
func ParseCombiner(s string) (Combiner, error) {
	switch strings.ToLower(s) {
	case "avg", "average":
		return Average, nil
	case "max", "maximum":
		return Maximum, nil
	case "min", "minimum":
		return Minimum, nil
	}
	return 0, fmt.Errorf("unknown combiner %q", s)
}

func (c Combiner) String() string {
	switch c {
	case Average:
		return "avg"
	case Maximum:
		return "max"
	case Minimum:
		return "min"
	}
	return fmt.Sprintf("Combiner(%d)", int(c))
}

// Combine 合并样本，空切片返回 NaN
func (c Combiner) Combine(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	out := values[0]
	switch c {
	case Maximum:
		for _, v := range values[1:] {
			out = math.Max(out, v)
		}
	case Minimum:
		for _, v := range values[1:] {
			out = math.Min(out, v)
		}
	default:
		for _, v := range values[1:] {
			out += v
		}
		out /= float64(len(values))
	}
	return out
}

// ADRConfig ADR 策略
type ADRConfig struct {
	HistoryRange    int
	GatewayCombiner Combiner
	HistoryCombiner Combiner
	DeviceMargin    float64 // dB
	TogglePower     bool
	MinTxPowerDBm   float64
	MaxTxPowerDBm   float64
	MaxDataRate     uint8
}

// DefaultADRConfig 默认 ADR 策略
func DefaultADRConfig() ADRConfig {
	return ADRConfig{
		HistoryRange:    20,
		GatewayCombiner: Maximum,
		HistoryCombiner: Maximum,
		TogglePower:     true,
		MinTxPowerDBm:   0,
		MaxTxPowerDBm:   14,
		MaxDataRate:     5,
	}
}

// Validate 校验策略参数范围
func (c ADRConfig) Validate() error {
	if c.HistoryRange < 1 {
		return fmt.Errorf("history range must be >= 1, got %d", c.HistoryRange)
	}
	if c.MinTxPowerDBm > c.MaxTxPowerDBm {
		return fmt.Errorf("min tx power %.1f dBm above max %.1f dBm", c.MinTxPowerDBm, c.MaxTxPowerDBm)
	}
	if int(c.MaxDataRate) >= len(lorawan.DemodulationSNR) {
		return fmt.Errorf("max data rate DR%d has no demodulation threshold", c.MaxDataRate)
	}
	return nil
}

// ADR 根据链路余量调整速率和发射功率。
// 只会提高速率，降速由终端自身的 ADR 回退完成。
type ADR struct {
	cfg     ADRConfig
	observe func(outcome string)
}

// NewADR 创建 ADR 组件
func NewADR(cfg ADRConfig) (*ADR, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ADR{cfg: cfg}, nil
}

// Name 组件名称
func (a *ADR) Name() string { return "adr" }

// Config 返回当前策略
func (a *ADR) Config() ADRConfig { return a.cfg }

// SetObserver 注册 requested/accepted/rejected 结果回调，须在组件使用前调用
func (a *ADR) SetObserver(fn func(outcome string)) { a.observe = fn }

func (a *ADR) outcome(o string) {
	if a.observe != nil {
		a.observe(o)
	}
}

// OnReceivedPacket 终端确认 LinkADRReq 后采用新参数
func (a *ADR) OnReceivedPacket(rec *device.Record, obs *device.Observation) {
	if obs.Frame == nil {
		return
	}
	cmd, ok := obs.Frame.Command(lorawan.LinkADRAns)
	if !ok {
		return
	}
	ans, err := lorawan.ParseLinkADRAns(cmd)
	if err != nil {
		log.Warn().Err(err).Str("devAddr", rec.Addr.String()).Msg("解析 LinkADRAns 失败")
		return
	}

	pending := rec.PendingADR
	rec.PendingADR = nil
	if pending == nil {
		log.Debug().Str("devAddr", rec.Addr.String()).Msg("收到未请求的 LinkADRAns")
		return
	}
	if !ans.Accepted() {
		log.Warn().
			Str("devAddr", rec.Addr.String()).
			Bool("powerACK", ans.PowerACK).
			Bool("dataRateACK", ans.DataRateACK).
			Bool("channelMaskACK", ans.ChannelMaskACK).
			Msg("设备拒绝 LinkADRReq")
		a.outcome("rejected")
		return
	}

	rec.DataRate = pending.DataRate
	rec.TxPowerDBm = pending.TxPowerDBm
	a.outcome("accepted")
	log.Info().
		Str("devAddr", rec.Addr.String()).
		Uint8("dataRate", rec.DataRate).
		Float64("txPower", rec.TxPowerDBm).
		Msg("设备已应用 ADR 参数")
}

// BeforeSendingReply 终端开启 ADR 且历史支持新的速率或功率时下发 LinkADRReq
func (a *ADR) BeforeSendingReply(rec *device.Record) {
	latest := rec.Latest()
	if latest == nil || latest.Frame == nil || !latest.Frame.MACPayload.FHDR.FCtrl.ADR {
		return
	}

	if n := rec.History().Len(); n < a.cfg.HistoryRange {
		log.Warn().
			Err(ErrInsufficientHistory).
			Str("devAddr", rec.Addr.String()).
			Int("have", n).
			Int("need", a.cfg.HistoryRange).
			Msg("ADR 跳过")
		return
	}

	snr := a.RepresentativeSNR(rec.History().Last(a.cfg.HistoryRange))
	dr, power, err := a.Decide(rec.DataRate, rec.TxPowerDBm, snr)
	if err != nil {
		log.Warn().Err(err).Str("devAddr", rec.Addr.String()).Msg("ADR 跳过")
		return
	}
	if dr == rec.DataRate && power == rec.TxPowerDBm {
		return
	}

	req := lorawan.LinkADRReqPayload{
		DataRate: dr,
		TXPower:  lorawan.TxPowerIndex(power),
		ChMask:   lorawan.ChannelMask(0, 1, 2),
		NbRep:    1,
	}
	rec.Reply.AddCommand(req.MACCommand())
	rec.PendingADR = &device.ADRRequest{DataRate: dr, TxPowerDBm: power}
	a.outcome("requested")

	log.Info().
		Str("devAddr", rec.Addr.String()).
		Float64("snr", snr).
		Uint8("fromDR", rec.DataRate).
		Uint8("toDR", dr).
		Float64("fromPower", rec.TxPowerDBm).
		Float64("toPower", power).
		Msg("已生成 LinkADRReq")
}

// OnFailedReply 丢弃待发的请求
func (a *ADR) OnFailedReply(rec *device.Record) {
	if _, ok := rec.Reply.Command(lorawan.LinkADRReq); !ok {
		return
	}
	rec.Reply.RemoveCommand(lorawan.LinkADRReq)
	rec.PendingADR = nil
}

// RepresentativeSNR 先按网关合并每条上行的 SNR，再按历史合并
func (a *ADR) RepresentativeSNR(history []*device.Observation) float64 {
	perPacket := make([]float64, 0, len(history))
	gw := make([]float64, 0, 4)
	for _, obs := range history {
		gw = gw[:0]
		for _, rx := range obs.Gateways {
			gw = append(gw, lorawan.RxPowerToSNR(rx.RSSI))
		}
		if len(gw) == 0 {
			continue
		}
		perPacket = append(perPacket, a.cfg.GatewayCombiner.Combine(gw))
	}
	return a.cfg.HistoryCombiner.Combine(perPacket)
}

// Decide 根据代表 SNR 计算速率和功率。
// 结果限制在 [0, MaxDataRate] 和 [MinTxPowerDBm, MaxTxPowerDBm]，已高于 MaxDataRate 的速率保持不变。
func (a *ADR) Decide(dr uint8, txPowerDBm, snr float64) (uint8, float64, error) {
	threshold, ok := lorawan.RequiredSNR(dr)
	if !ok {
		return dr, txPowerDBm, fmt.Errorf("no demodulation threshold for DR%d", dr)
	}
	if math.IsNaN(snr) {
		return dr, txPowerDBm, errors.New("no SNR samples")
	}

	// 取整到 0.01 dB，避免浮点误差少算一步
	margin := math.Round((snr-threshold-a.cfg.DeviceMargin)*100) / 100
	steps := int(math.Floor(margin / adrStep))

	power := math.Max(a.cfg.MinTxPowerDBm, math.Min(a.cfg.MaxTxPowerDBm, txPowerDBm))

	for steps > 0 && dr < a.cfg.MaxDataRate {
		dr++
		steps--
	}
	for steps > 0 && power > a.cfg.MinTxPowerDBm {
		power = math.Max(a.cfg.MinTxPowerDBm, power-2)
		steps--
	}
	for steps < 0 && power < a.cfg.MaxTxPowerDBm {
		power = math.Min(a.cfg.MaxTxPowerDBm, power+2)
		steps++
	}

	if !a.cfg.TogglePower {
		power = txPowerDBm
	}
	return dr, power, nil
}
