package config

import "time"

// ProviderConfig is the BusTime endpoint and credential
type ProviderConfig struct {
	BaseURL  string        `yaml:"baseURL" validate:"required,url"`
	APIKey   string        `yaml:"apiKey" validate:"required"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	Timezone string        `yaml:"timezone" validate:"required"`
}

// RefreshConfig controls the scheduler and the eviction policy
type RefreshConfig struct {
	Period          time.Duration `yaml:"period" validate:"gt=0"`
	BatchSize       int           `yaml:"batchSize" validate:"min=1,max=10"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=0"`
	StaleAfterTicks int           `yaml:"staleAfterTicks" validate:"gte=0"`
	EvictAfter      time.Duration `yaml:"evictAfter" validate:"gte=0"`
	ReseedInterval  time.Duration `yaml:"reseedInterval" validate:"gte=0"`
}

// ViewportConfig is the region refreshed until a map client settles its own
type ViewportConfig struct {
	Region string `yaml:"region"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Listen         string   `yaml:"listen" validate:"required"`
	StaticDir      string   `yaml:"staticDir"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// RedisConfig enables the Redis publisher when Address is set
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Database int    `yaml:"database" validate:"gte=0"`
	Channel  string `yaml:"channel" validate:"required"`
}

// AppConfig is the whole application configuration
type AppConfig struct {
	Provider ProviderConfig `yaml:"provider"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Viewport ViewportConfig `yaml:"viewport"`
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
}

// StaleAfter converts the tick count into a duration.
func (c AppConfig) StaleAfter() time.Duration {
	return time.Duration(c.Refresh.StaleAfterTicks) * c.Refresh.Period
}
