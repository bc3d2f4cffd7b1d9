package config

import (
	"encoding/json"
	"fmt"
	"os"

	"bybit-grid-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults 为未配置的项填入默认值
func applyDefaults(cfg *models.Config) {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.bybit.com"
	}
	if cfg.PublicWSURL == "" {
		cfg.PublicWSURL = "wss://stream.bybit.com/v5/public/spot"
	}
	if cfg.PrivateWSURL == "" {
		cfg.PrivateWSURL = "wss://stream.bybit.com/v5/private"
	}
	if cfg.SweepIntervalSec <= 0 {
		cfg.SweepIntervalSec = 60
	}
	if cfg.HeartbeatIntervalSec <= 0 {
		cfg.HeartbeatIntervalSec = 20
	}
	if cfg.StatusIntervalSec <= 0 {
		cfg.StatusIntervalSec = 30
	}
}

func validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("配置缺少 symbol")
	}
	return nil
}
