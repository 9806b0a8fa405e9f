// rtstream的命令行接口：UDP上的回显服务与客户端，以及内存网络中的丢包传输模拟
package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/config"
	"github.com/junbin-yang/rtstream/pkg/network"
	"github.com/junbin-yang/rtstream/pkg/socket"
	"github.com/junbin-yang/rtstream/pkg/transport/stream"
	"github.com/junbin-yang/rtstream/pkg/transport/substrate"
	log "github.com/junbin-yang/rtstream/pkg/utils/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	// 版本信息（编译时可通过参数注入）
	Version   = "dev"
	BuildTime = "unknown"

	cfgFile string
	v       = config.New()
	cfg     *config.Config

	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rtstream",
	Short: "rtstream: 不可靠分组通道上的可靠字节流",
	Long: `rtstream在不可靠、无序的分组通道上提供有序、带流控、可容忍丢包的字节流。
连接使用三次握手建立，固定大小的滑动窗口发送，超时后回退N重传。`,
	PersistentPreRunE: initConfig,
	SilenceUsage:      true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rtstream %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "在UDP上启动回显服务",
	RunE:  runServe,
}

var sendCmd = &cobra.Command{
	Use:   "send <remote-address> <udp-endpoint> [message]",
	Short: "连接回显服务，发送消息并打印回显",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runSend,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在带丢包、重复、乱序的内存网络中传输数据",
	RunE:  runSimulate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "打印生效的配置",
	RunE:  runConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "配置文件路径")
	pf.String("log-level", "info", "日志级别（debug, info, warn, error）")
	pf.String("log-format", "console", "日志格式（console, json）")
	pf.Int("window", stream.DefaultWindowSize, "发送窗口大小（段数）")
	pf.Int("mss", stream.DefaultMaxSegmentSize, "最大段负载（字节）")

	bind("log.level", pf.Lookup("log-level"))
	bind("log.format", pf.Lookup("log-format"))
	bind("transport.window_size", pf.Lookup("window"))
	bind("transport.max_segment_size", pf.Lookup("mss"))

	// 节点参数
	for _, c := range []*cobra.Command{serveCmd, sendCmd} {
		c.Flags().String("address", "", "本地虚拟地址")
		c.Flags().String("listen", "", "UDP监听地址")
		c.Flags().Int("ttl", 0, "UDP单播TTL")
		c.Flags().Duration("stats-interval", 0, "统计输出周期，0表示关闭")
	}
	serveCmd.Flags().Uint16("port", 7, "回显服务端口")
	sendCmd.Flags().Uint16("port", 7, "远端服务端口")
	sendCmd.Flags().Duration("timeout", 10*time.Second, "整体超时")

	simulateCmd.Flags().Float64("loss", 0.1, "丢包概率")
	simulateCmd.Flags().Float64("duplicate", 0, "重复概率")
	simulateCmd.Flags().Float64("corrupt", 0, "报文损坏概率")
	simulateCmd.Flags().Duration("jitter", 5*time.Millisecond, "随机时延上限")
	simulateCmd.Flags().Int64("seed", 1, "随机种子")
	simulateCmd.Flags().Int("bytes", 64*1024, "传输字节数")
	simulateCmd.Flags().Bool("trace", false, "输出单字符跟踪（S : ? F . !）")
	for _, name := range []string{"loss", "duplicate", "corrupt", "jitter", "seed", "bytes"} {
		bind("sim."+name, simulateCmd.Flags().Lookup(name))
	}

	configCmd.Flags().String("write", "", "将配置写入文件")

	rootCmd.AddCommand(versionCmd, serveCmd, sendCmd, simulateCmd, configCmd)
}

// bind 将标志绑定到配置键，标志名与键均为常量，失败即编程错误
func bind(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// initConfig 加载配置并初始化日志
func initConfig(cmd *cobra.Command, args []string) error {
	// 子命令的节点参数只在对应命令上绑定
	for flag, key := range map[string]string{
		"address":        "node.address",
		"listen":         "node.listen",
		"ttl":            "node.ttl",
		"stats-interval": "node.stats_interval",
		"port":           "node.port",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	var err error
	cfg, err = config.LoadViper(v, cfgFile)
	if err != nil {
		return err
	}

	logger, err = log.NewWithOptions(cfg.Log.Options())
	if err != nil {
		return err
	}
	log.ReplaceDefault(logger)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("使用配置文件", zap.String("path", used))
	}
	return nil
}

// runServe 启动UDP回显服务，直到收到中断信号
func runServe(cmd *cobra.Command, args []string) error {
	addr, err := cfg.Node.Addr()
	if err != nil {
		return err
	}
	udp, err := newUDP()
	if err != nil {
		return err
	}
	defer udp.Close()

	mgr, err := socket.NewManager(udp, socket.Config{
		LocalAddr:     addr,
		Options:       transportOptions(),
		Backlog:       cfg.Node.Backlog,
		StatsInterval: cfg.Node.StatsInterval.Std(),
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	ln, err := mgr.Socket()
	if err != nil {
		return err
	}
	if err := ln.Bind(cfg.Node.Port); err != nil {
		return err
	}
	if err := ln.Listen(cfg.Node.Backlog); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("回显服务已启动",
		zap.String("版本", Version),
		zap.Stringer("地址", netip.AddrPortFrom(addr, cfg.Node.Port)),
		zap.Stringer("UDP", udp.LocalAddr()))

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("接受连接失败", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			echo(ctx, conn)
		}()
	}

	logger.Info("收到中断信号，开始关闭服务")
	ln.Close()
	wg.Wait()
	return nil
}

// echo 将收到的数据原样写回，直到连接关闭
func echo(ctx context.Context, conn *socket.Sock) {
	peer := conn.RemoteAddr()
	logger.Info("新连接", zap.Stringer("peer", peer))
	defer func() {
		st := conn.Statistics()
		conn.Close()
		logger.Info("连接结束",
			zap.Stringer("peer", peer),
			zap.Uint64("bytesReceived", st.BytesReceived),
			zap.Uint64("retransmissions", st.Retransmissions))
	}()

	for {
		data, err := conn.ReadContext(ctx, 64*1024)
		if err != nil {
			return
		}
		if err := conn.WriteAll(ctx, data); err != nil {
			logger.Warn("回写失败", zap.Stringer("peer", peer), zap.Error(err))
			return
		}
	}
}

// runSend 连接远端回显服务并校验回显
func runSend(cmd *cobra.Command, args []string) error {
	remote, err := netip.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("远端地址 %q: %w", args[0], err)
	}
	endpoint, err := netip.ParseAddrPort(args[1])
	if err != nil {
		return fmt.Errorf("UDP端点 %q: %w", args[1], err)
	}
	msg := "hello, rtstream"
	if len(args) == 3 {
		msg = args[2]
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	addr, err := cfg.Node.Addr()
	if err != nil {
		return err
	}
	udp, err := newUDP()
	if err != nil {
		return err
	}
	defer udp.Close()
	udp.AddRoute(remote, endpoint)

	mgr, err := socket.NewManager(udp, socket.Config{
		LocalAddr:     addr,
		Options:       transportOptions(),
		StatsInterval: cfg.Node.StatsInterval.Std(),
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := mgr.Socket()
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Connect(ctx, remote, cfg.Node.Port); err != nil {
		return err
	}
	logger.Info("连接已建立", zap.Stringer("local", conn.LocalAddr()), zap.Duration("耗时", time.Since(start)))

	if err := conn.WriteAll(ctx, []byte(msg)); err != nil {
		return err
	}
	var reply bytes.Buffer
	for reply.Len() < len(msg) {
		data, err := conn.ReadContext(ctx, len(msg)-reply.Len())
		if err != nil {
			return err
		}
		reply.Write(data)
	}

	fmt.Println(reply.String())
	printStats(conn.Statistics())
	return nil
}

// runSimulate 在内存网络上完成一次传输并输出统计
func runSimulate(cmd *cobra.Command, args []string) error {
	trace, _ := cmd.Flags().GetBool("trace")
	sim := cfg.Sim

	net := substrate.NewMemNetwork(sim.MemOptions())
	defer net.Close()

	opts := transportOptions()
	if trace {
		var mu sync.Mutex
		opts.Callbacks.OnEvent = stream.ChainEvents(opts.Callbacks.OnEvent, func(ev api.Event) {
			if mark := ev.Trace(); mark != "" {
				mu.Lock()
				fmt.Print(mark)
				mu.Unlock()
			}
		})
	}

	serverAddr := netip.MustParseAddr("10.0.0.1")
	clientAddr := netip.MustParseAddr("10.0.0.2")
	server, err := socket.NewManager(net, socket.Config{LocalAddr: serverAddr, Options: opts})
	if err != nil {
		return err
	}
	defer server.Close()
	client, err := socket.NewManager(net, socket.Config{LocalAddr: clientAddr, Options: opts})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), sim.Timeout.Std())
	defer cancel()

	ln, err := server.Socket()
	if err != nil {
		return err
	}
	if err := ln.Bind(cfg.Node.Port); err != nil {
		return err
	}
	if err := ln.Listen(0); err != nil {
		return err
	}

	payload := make([]byte, sim.Bytes)
	rand.New(rand.NewSource(sim.Seed)).Read(payload)

	received := make(chan []byte, 1)
	go func() {
		defer close(received)
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		var buf bytes.Buffer
		for buf.Len() < len(payload) {
			data, err := conn.ReadContext(ctx, 64*1024)
			if err != nil {
				return
			}
			buf.Write(data)
		}
		received <- buf.Bytes()
	}()

	conn, err := client.Socket()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := conn.Connect(ctx, serverAddr, cfg.Node.Port); err != nil {
		return err
	}
	if err := conn.WriteAll(ctx, payload); err != nil {
		return err
	}
	got, ok := <-received
	elapsed := time.Since(start)
	if trace {
		fmt.Println()
	}
	if !ok {
		return fmt.Errorf("传输未完成: %w", ctx.Err())
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("数据不一致: 发送%d字节，收到%d字节", len(payload), len(got))
	}

	ns := net.Stats()
	fmt.Printf("传输 %d 字节，耗时 %s\n", len(payload), elapsed.Round(time.Millisecond))
	fmt.Printf("网络: 发送%d 送达%d 丢失%d 重复%d 损坏%d\n",
		ns.Sent, ns.Delivered, ns.Lost, ns.Duplicated, ns.Corrupted)
	printStats(conn.Statistics())
	return nil
}

// runConfig 打印或写出生效的配置
func runConfig(cmd *cobra.Command, args []string) error {
	if path, _ := cmd.Flags().GetString("write"); path != "" {
		if err := cfg.Write(path); err != nil {
			return err
		}
		fmt.Println("配置已写入", path)
		return nil
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func newUDP() (*substrate.UDP, error) {
	udp, err := substrate.NewUDP(cfg.Node.UDPOptions())
	if err != nil {
		return nil, err
	}
	routes, err := cfg.Node.RouteTable()
	if err != nil {
		udp.Close()
		return nil, err
	}
	for addr, ep := range routes {
		udp.AddRoute(addr, ep)
	}
	if mss, ok := network.CheckSegmentSize(udp.LocalAddr(), cfg.Transport.MaxSegmentSize); !ok {
		logger.Warn("段负载超过链路MTU，报文将被IP分片",
			zap.Int("max_segment_size", cfg.Transport.MaxSegmentSize),
			zap.Int("suggested", mss))
	}
	return udp, nil
}

func transportOptions() stream.Options {
	opts := cfg.Transport.Options()
	opts.Logger = logger
	if logger.Enabled(log.DebugLevel) {
		opts.Callbacks.OnEvent = stream.LogEvents(logger)
	}
	return opts
}

func printStats(st api.Statistics) {
	var b strings.Builder
	fmt.Fprintf(&b, "发送: %d字节 %d段 重传%d 超时%d\n", st.BytesSent, st.SegmentsSent, st.Retransmissions, st.Timeouts)
	fmt.Fprintf(&b, "接收: %d字节 %d段 重复ACK%d 丢弃%d\n", st.BytesReceived, st.SegmentsReceived, st.DuplicateAcks, st.Dropped)
	fmt.Fprintf(&b, "SRTT: %s  RTO: %s\n", st.SmoothedRTT, st.RTO)
	fmt.Print(b.String())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// ./rtstream serve --address 10.0.0.1 --listen :9000 --log-level debug
// ./rtstream send 10.0.0.1 127.0.0.1:9000 "hello" --address 10.0.0.2 --listen :9001
// ./rtstream simulate --loss 0.2 --duplicate 0.05 --trace
