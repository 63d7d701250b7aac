package protocol

// 数据包 ID
const (
	IDShowIdentity    VarInt = 0x01
	IDRateLimit       VarInt = 0x02
	IDTaskApplication VarInt = 0x03
	IDTaskChange      VarInt = 0x04
	IDTaskConfirm     VarInt = 0x05
	IDDataReport      VarInt = 0x06
	IDNotification    VarInt = 0xFF
)

// 共享常量
const (
	MaxVarIntLen  = 5       // VarInt 最大字节数
	MaxPacketSize = 1 << 20 // 单帧最大字节数
)

// Category 劳工身份类别
type Category VarInt

const (
	CategoryUnassigned Category = 0
	CategoryClient     Category = 1
	CategoryServer     Category = 2
	CategoryAdmin      Category = 3
)

// Valid 是否为可协商的身份类别
func (c Category) Valid() bool {
	return c >= CategoryClient && c <= CategoryAdmin
}

func (c Category) String() string {
	switch c {
	case CategoryClient:
		return "client"
	case CategoryServer:
		return "server"
	case CategoryAdmin:
		return "admin"
	default:
		return "unassigned"
	}
}

// DataReport 上报类别
const (
	ReportStorm       VarInt = 1
	ReportSpecialGift VarInt = 2
	ReportLottery     VarInt = 3
)
