// 本机网络接口信息，用于按链路MTU推算UDP承载时的最大段负载
package network

import (
	"net"
	"net/netip"

	"github.com/junbin-yang/rtstream/pkg/transport/substrate"
	"github.com/junbin-yang/rtstream/pkg/utils/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	ipv4HeaderLen = 20
	udpHeaderLen  = 8

	// DefaultMTU 无法确定接口时按以太网MTU估算
	DefaultMTU = 1500
)

var ErrNoInterface = errors.New("no matching interface")

// InterfaceInfo 网络接口信息
type InterfaceInfo struct {
	Name      string       // 接口名称（如eth0、lo等）
	Index     int          // 接口索引
	Up        bool         // 是否启用
	Loopback  bool         // 是否为回环接口
	Addresses []netip.Addr // 接口上的IP地址
	MTU       int          // 最大传输单元
}

// Interfaces 扫描本机所有网络接口
func Interfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "list interfaces")
	}

	infos := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		info := InterfaceInfo{
			Name:     iface.Name,
			Index:    iface.Index,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			MTU:      iface.MTU,
		}

		addrs, err := iface.Addrs()
		if err != nil {
			logger.Default().Warn("获取接口地址失败", zap.String("interface", iface.Name), zap.Error(err))
			continue
		}
		for _, addr := range addrs {
			if prefix, err := netip.ParsePrefix(addr.String()); err == nil {
				info.Addresses = append(info.Addresses, prefix.Addr().Unmap())
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// LinkMTU 返回承载ip的接口MTU；ip未指定时取所有启用的非回环接口中最小的MTU
func LinkMTU(infos []InterfaceInfo, ip netip.Addr) (int, error) {
	ip = ip.Unmap()
	mtu := 0
	for _, info := range infos {
		if !info.Up || info.MTU <= 0 {
			continue
		}
		if ip.IsValid() && !ip.IsUnspecified() {
			for _, a := range info.Addresses {
				if a == ip {
					return info.MTU, nil
				}
			}
			continue
		}
		if info.Loopback {
			continue
		}
		if mtu == 0 || info.MTU < mtu {
			mtu = info.MTU
		}
	}
	if mtu == 0 {
		return 0, errors.WithMessagef(ErrNoInterface, "address %s", ip)
	}
	return mtu, nil
}

// MaxSegmentSize 由链路MTU推算不分片的最大段负载
func MaxSegmentSize(mtu int) int {
	mss := mtu - ipv4HeaderLen - udpHeaderLen - substrate.FrameOverhead
	if mss < 0 {
		return 0
	}
	return mss
}

// CheckSegmentSize 当配置的段负载会导致IP分片时给出建议值；ok为true表示无需调整
func CheckSegmentSize(listen netip.AddrPort, mss int) (suggested int, ok bool) {
	infos, err := Interfaces()
	if err != nil {
		return mss, true
	}
	mtu, err := LinkMTU(infos, listen.Addr())
	if err != nil {
		mtu = DefaultMTU
	}
	limit := MaxSegmentSize(mtu)
	if mss <= limit {
		return mss, true
	}
	return limit, false
}
