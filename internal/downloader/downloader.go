package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"bybit-grid-bot-go/internal/logger"
)

// Kline 是回测使用的一根 K 线
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// 回测数据取自币安的 1 分钟 K 线（公开接口，无需密钥，历史深度充足）。
// 网格策略只关心价格是否触及档位，跨交易所的分钟级价差可以忽略。
const klineInterval = "1m"

// Download 拉取指定区间的 1 分钟 K 线，命中本地缓存时直接读缓存。
// dataDir 为空时不缓存。
func Download(ctx context.Context, symbol string, start, end time.Time, dataDir string) ([]Kline, error) {
	var cachePath string
	if dataDir != "" {
		cachePath = filepath.Join(dataDir, fmt.Sprintf("%s_%s_%d_%d.csv",
			symbol, klineInterval, start.Unix(), end.Unix()))
		if klines, err := loadCSV(cachePath); err == nil {
			logger.S().Infof("从缓存加载 %d 根 K 线: %s", len(klines), cachePath)
			return klines, nil
		}
	}

	logger.S().Infof("开始下载 %s %s K 线: %s ~ %s",
		symbol, klineInterval, start.Format("2006-01-02"), end.Format("2006-01-02"))

	client := binance.NewClient("", "")
	var all []Kline
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()

	for cursor < endMs {
		batch, err := client.NewKlinesService().
			Symbol(symbol).
			Interval(klineInterval).
			StartTime(cursor).
			EndTime(endMs).
			Limit(1000).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("下载 K 线失败: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, k := range batch {
			kline, err := convert(k)
			if err != nil {
				return nil, err
			}
			all = append(all, kline)
		}
		cursor = batch[len(batch)-1].OpenTime + 60_000
		logger.S().Debugf("已下载 %d 根 K 线，游标 %s", len(all), time.UnixMilli(cursor).Format("2006-01-02 15:04"))
	}

	if cachePath != "" && len(all) > 0 {
		if err := saveCSV(cachePath, all); err != nil {
			logger.S().Warnf("写入 K 线缓存失败: %v", err)
		}
	}
	logger.S().Infof("下载完成，共 %d 根 K 线", len(all))
	return all, nil
}

func convert(k *binance.Kline) (Kline, error) {
	open, err1 := strconv.ParseFloat(k.Open, 64)
	high, err2 := strconv.ParseFloat(k.High, 64)
	low, err3 := strconv.ParseFloat(k.Low, 64)
	closeP, err4 := strconv.ParseFloat(k.Close, 64)
	vol, err5 := strconv.ParseFloat(k.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return Kline{}, fmt.Errorf("解析 K 线数据失败: %w", err)
		}
	}
	return Kline{
		OpenTime: time.UnixMilli(k.OpenTime),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closeP,
		Volume:   vol,
	}, nil
}

func saveCSV(path string, klines []Kline) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"open_time_ms", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, k := range klines {
		rec := []string{
			strconv.FormatInt(k.OpenTime.UnixMilli(), 10),
			strconv.FormatFloat(k.Open, 'f', -1, 64),
			strconv.FormatFloat(k.High, 'f', -1, 64),
			strconv.FormatFloat(k.Low, 'f', -1, 64),
			strconv.FormatFloat(k.Close, 'f', -1, 64),
			strconv.FormatFloat(k.Volume, 'f', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func loadCSV(path string) ([]Kline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("缓存文件为空: %s", path)
	}

	klines := make([]Kline, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, err
		}
		open, _ := strconv.ParseFloat(rec[1], 64)
		high, _ := strconv.ParseFloat(rec[2], 64)
		low, _ := strconv.ParseFloat(rec[3], 64)
		closeP, _ := strconv.ParseFloat(rec[4], 64)
		vol, _ := strconv.ParseFloat(rec[5], 64)
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(ms),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closeP,
			Volume:   vol,
		})
	}
	return klines, nil
}
