// Package config loads the driver's YAML + environment configuration.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the full configuration surface a walk-forward run recognizes.
type Config struct {
	Data        DataConfig        `mapstructure:"data"`
	Trading     TradingConfig     `mapstructure:"trading"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	Walkforward WalkforwardConfig `mapstructure:"walkforward"`
	Parallel    ParallelConfig    `mapstructure:"parallel"`
}

type DataConfig struct {
	Exchange       string `mapstructure:"exchange"`
	CacheDirectory string `mapstructure:"cache_directory"`
}

type TradingConfig struct {
	Commission       float64 `mapstructure:"commission"`
	CommissionMaker  float64 `mapstructure:"commission_maker"`
	Slippage         float64 `mapstructure:"slippage"`
	FeeType          string  `mapstructure:"fee_type"`
	UseExchangeFees  bool    `mapstructure:"use_exchange_fees"`
	PositionFraction float64 `mapstructure:"position_fraction"`
}

type StrategyConfig struct {
	Name       string             `mapstructure:"name"`
	Parameters map[string]float64 `mapstructure:"parameters"`
}

// ParamRangeConfig is one parameter's {start, end, step} sweep as read from
// config, matching paramgrid.Range's shape.
type ParamRangeConfig struct {
	Start float64 `mapstructure:"start"`
	End   float64 `mapstructure:"end"`
	Step  float64 `mapstructure:"step"`
}

type WalkforwardConfig struct {
	StartDate        string                      `mapstructure:"start_date"`
	EndDate          string                      `mapstructure:"end_date"`
	InitialCapital   float64                     `mapstructure:"initial_capital"`
	Verbose          bool                        `mapstructure:"verbose"`
	Symbols          []string                    `mapstructure:"symbols"`
	Timeframes       []string                    `mapstructure:"timeframes"`
	Periods          []string                    `mapstructure:"periods"`
	FitnessFunctions []string                    `mapstructure:"fitness_functions"`
	Filters          []string                    `mapstructure:"filters"`
	ParameterRanges  map[string]ParamRangeConfig `mapstructure:"parameter_ranges"`
}

type ParallelConfig struct {
	Mode               string  `mapstructure:"mode"`
	MaxWorkers         int     `mapstructure:"max_workers"`
	MemorySafetyFactor float64 `mapstructure:"memory_safety_factor"`
	CPUReserveCores    int     `mapstructure:"cpu_reserve_cores"`
}

// Load reads configPath (YAML) and overlays WALKFORWARD_-prefixed
// environment variables on top.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("WALKFORWARD")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.exchange", "")
	v.SetDefault("data.cache_directory", "./data/cache")

	v.SetDefault("trading.commission", 0.0)
	v.SetDefault("trading.commission_maker", 0.0)
	v.SetDefault("trading.slippage", 0.0)
	v.SetDefault("trading.fee_type", "taker")
	v.SetDefault("trading.use_exchange_fees", false)
	v.SetDefault("trading.position_fraction", 0.9)

	v.SetDefault("walkforward.initial_capital", 10000.0)
	v.SetDefault("walkforward.verbose", false)
	v.SetDefault("walkforward.fitness_functions", []string{"sharpe_ratio"})

	v.SetDefault("parallel.mode", "auto")
	v.SetDefault("parallel.memory_safety_factor", 0.75)
	v.SetDefault("parallel.cpu_reserve_cores", 1)
}
