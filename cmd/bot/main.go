package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bybit-grid-bot-go/internal/bot"
	"bybit-grid-bot-go/internal/config"
	"bybit-grid-bot-go/internal/downloader"
	"bybit-grid-bot-go/internal/exchange"
	"bybit-grid-bot-go/internal/logger"
	"bybit-grid-bot-go/internal/models"
	"bybit-grid-bot-go/internal/notify"
	"bybit-grid-bot-go/internal/persistence"
	"bybit-grid-bot-go/internal/reporter"
)

func main() {
	configPath := flag.String("config", "config.json", "配置文件路径")
	mode := flag.String("mode", "live", "运行模式: live 或 backtest")
	dataDir := flag.String("data", "data", "回测 K 线缓存目录")
	startStr := flag.String("start", "", "回测开始日期 (YYYY-MM-DD)")
	endStr := flag.String("end", "", "回测结束日期 (YYYY-MM-DD)")
	keepOrders := flag.Bool("keep-orders", false, "退出时保留挂单并持久化状态供下次恢复")
	flag.Parse()

	// .env 不存在不是错误，密钥也可以直接来自环境变量
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLive(cfg, !*keepOrders)
	case "backtest":
		runBacktest(cfg, *dataDir, *startStr, *endStr)
	default:
		logger.S().Fatalf("未知运行模式: %s", *mode)
	}
}

func runLive(cfg *models.Config, cancelOnExit bool) {
	apiKey := os.Getenv("BYBIT_API_KEY")
	apiSecret := os.Getenv("BYBIT_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		logger.S().Fatal("缺少 BYBIT_API_KEY / BYBIT_API_SECRET 环境变量")
	}

	ex, err := exchange.NewBybitExchange(apiKey, apiSecret, cfg.APIBaseURL, logger.S())
	if err != nil {
		logger.S().Fatalf("初始化交易所网关失败: %v", err)
	}

	var repo persistence.StateRepository
	if cfg.DBPath != "" {
		badgerRepo, err := persistence.NewBadgerRepository(cfg.DBPath)
		if err != nil {
			logger.S().Fatalf("打开状态库失败: %v", err)
		}
		defer badgerRepo.Close()
		repo = badgerRepo
	}

	notifier := notify.New()
	defer notifier.Close()

	gridBot := bot.New(cfg, ex, notifier, repo)
	if err := gridBot.Init(); err != nil {
		logger.S().Fatalf("初始化网格失败: %v", err)
	}
	if err := gridBot.Start(apiKey, apiSecret); err != nil {
		logger.S().Fatalf("启动网格失败: %v", err)
	}

	rep := reporter.New(gridBot, time.Duration(cfg.StatusIntervalSec)*time.Second)
	rep.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.S().Infof("收到信号 %v，开始停机", sig)

	rep.Stop()
	gridBot.Stop(cancelOnExit)
}

func runBacktest(cfg *models.Config, dataDir, startStr, endStr string) {
	start, end, err := parseRange(startStr, endStr)
	if err != nil {
		logger.S().Fatalf("回测时间区间非法: %v", err)
	}

	klines, err := downloader.Download(context.Background(), cfg.Symbol, start, end, dataDir)
	if err != nil {
		logger.S().Fatalf("准备回测数据失败: %v", err)
	}
	if len(klines) == 0 {
		logger.S().Fatal("回测区间内没有 K 线数据")
	}

	ex := exchange.NewBacktestExchange(cfg)
	// 网格计算在首根 K 线时刻之前完成
	ex.SetPrice(klines[0].Open, klines[0].Open, klines[0].Open, klines[0].Open, klines[0].OpenTime)

	notifier := notify.New()
	defer notifier.Close()

	gridBot := bot.New(cfg, ex, notifier, nil)
	if err := gridBot.Init(); err != nil {
		logger.S().Fatalf("初始化网格失败: %v", err)
	}
	gridBot.StartForBacktest()

	for _, k := range klines {
		ex.SetPrice(k.Open, k.High, k.Low, k.Close, k.OpenTime)
		gridBot.ProcessTick(k.Close)
	}
	// 收尾再对账一轮，把最后一根 K 线里的成交全部入账
	gridBot.ProcessTick(klines[len(klines)-1].Close)

	reporter.PrintBacktestReport(ex, cfg.Symbol, start, end)
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("必须通过 -start 和 -end 指定回测区间")
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("结束日期必须晚于开始日期")
	}
	return start, end, nil
}
