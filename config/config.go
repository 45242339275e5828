package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/wanderwiseai/go-place-resolver/internal/types"
)

//go:embed config.yml
var embeddedConfig []byte

type Config struct {
	Mode   string `mapstructure:"mode"`
	Dotenv string `mapstructure:"dotenv"`
	Server struct {
		HTTPPort string        `mapstructure:"HTTPPort"`
		Timeout  time.Duration `mapstructure:"HTTPTimeout"`
	} `mapstructure:"server"`
	Repositories struct {
		Postgres struct {
			Host     string `mapstructure:"host"`
			Password string `mapstructure:"password"`
			Port     string `mapstructure:"port"`
			Username string `mapstructure:"username"`
			DB       string `mapstructure:"db"`
			SSLMode  string `mapstructure:"sslmode"`
		} `mapstructure:"postgres"`
	} `mapstructure:"repositories"`
	Resolver struct {
		// Hard budget for a single external enrichment call.
		EnrichmentTimeout time.Duration `mapstructure:"enrichmentTimeout"`
		// Minimum cosine similarity for a vector match to count as a hit.
		SimilarityThreshold float64 `mapstructure:"similarityThreshold"`
		// Namespace stamped into cache keys written by the enrichment tier.
		EnrichmentNamespace string `mapstructure:"enrichmentNamespace"`
		VectorTopK          int    `mapstructure:"vectorTopK"`
	} `mapstructure:"resolver"`
	Corpus struct {
		DatasetPath string `mapstructure:"datasetPath"`
	} `mapstructure:"corpus"`
	Enrichment struct {
		GeocodeBaseURL string  `mapstructure:"geocodeBaseURL"`
		RatePerSecond  float64 `mapstructure:"ratePerSecond"`
		RateBurst      int     `mapstructure:"rateBurst"`
	} `mapstructure:"enrichment"`
	// Per-city bounding regions used by the geo filter. Cities absent from
	// this list resolve with geo-filtering disabled (degraded mode).
	Regions []types.CityBoundingRegion `mapstructure:"regions"`
}

func InitConfig() (Config, error) {
	var config Config
	v := viper.New()

	v.AddConfigPath(".")
	v.AddConfigPath("config")
	v.AddConfigPath("/app/config")

	v.SetConfigName("config")
	v.SetConfigType("yml")

	err := v.ReadInConfig()
	if err != nil {
		fmt.Printf("Warning: Failed to find file-based config: %s. Falling back to embedded config.\n", err)
		if err = v.ReadConfig(bytes.NewReader(embeddedConfig)); err != nil {
			return Config{}, fmt.Errorf("failed to read embedded config: %s", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %s", err)
	}

	applyDefaults(&config)
	return config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Resolver.EnrichmentTimeout == 0 {
		cfg.Resolver.EnrichmentTimeout = 5 * time.Second
	}
	if cfg.Resolver.SimilarityThreshold == 0 {
		cfg.Resolver.SimilarityThreshold = 0.75
	}
	if cfg.Resolver.EnrichmentNamespace == "" {
		cfg.Resolver.EnrichmentNamespace = "enrichment"
	}
	if cfg.Resolver.VectorTopK == 0 {
		cfg.Resolver.VectorTopK = 5
	}
	if cfg.Enrichment.RatePerSecond == 0 {
		cfg.Enrichment.RatePerSecond = 2
	}
	if cfg.Enrichment.RateBurst == 0 {
		cfg.Enrichment.RateBurst = 4
	}
}
