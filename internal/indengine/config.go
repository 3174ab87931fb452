package indengine

import (
	"fmt"
	"time"

	"ta-engine/config"
	"ta-engine/internal/indicator"
	"ta-engine/internal/model"
)

// Config is the resolved configuration of the indicator service.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ConsumerGroup string
	ConsumerName  string

	SQLitePath   string
	StoreBars    bool
	StoreResults bool

	HTTPAddr    string
	HealthEvery time.Duration

	Specs       []indicator.Spec
	TFs         []int
	Instruments []config.Instrument
	FeedURL     string
	StrictOrder bool

	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string

	AdminJWTSecret string
	ReloadRate     float64
	ReloadBurst    int
}

// LoadConfig resolves the shared configuration into service settings. The
// indicator list is validated up front so a bad deployment fails at start.
func LoadConfig(c *config.Config) (Config, error) {
	specs, err := loadSpecs(c)
	if err != nil {
		return Config{}, err
	}
	tfs := c.ParseTFs()
	if len(tfs) == 0 {
		return Config{}, fmt.Errorf("ENABLED_TFS: no valid timeframe in %q", c.EnabledTFs)
	}

	return Config{
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		ConsumerGroup: c.ConsumerGroup,
		ConsumerName:  c.ConsumerName,
		SQLitePath:    c.SQLitePath,
		StoreBars:     c.StoreBars,
		StoreResults:  c.StoreResults,
		HTTPAddr:      c.HTTPAddr,
		HealthEvery:   c.HealthEvery,
		Specs:         specs,
		TFs:           tfs,
		Instruments:   c.ParseSymbols(),
		FeedURL:       c.FeedURL,
		StrictOrder:   c.StrictOrder,

		AlertWebhookURL:  c.AlertWebhookURL,
		TelegramBotToken: c.TelegramBotToken,
		TelegramChatID:   c.TelegramChatID,

		AdminJWTSecret: c.AdminJWTSecret,
		ReloadRate:     c.ReloadRate,
		ReloadBurst:    c.ReloadBurst,
	}, nil
}

// loadSpecs reads INDICATORS_FILE when set, else the INDICATORS list.
func loadSpecs(c *config.Config) ([]indicator.Spec, error) {
	if c.IndicatorsFile != "" {
		specs, err := indicator.LoadSpecFile(c.IndicatorsFile)
		if err != nil {
			return nil, fmt.Errorf("INDICATORS_FILE: %w", err)
		}
		return specs, nil
	}
	specs, err := indicator.ParseSpecs(c.Indicators)
	if err != nil {
		return nil, fmt.Errorf("INDICATORS: %w", err)
	}
	if err := indicator.ValidateSpecs(specs); err != nil {
		return nil, fmt.Errorf("INDICATORS: %w", err)
	}
	return specs, nil
}

// SeriesKeys returns every configured instrument on every timeframe. It is
// empty when no instruments are configured.
func (c Config) SeriesKeys() []model.SeriesKey {
	keys := make([]model.SeriesKey, 0, len(c.Instruments)*len(c.TFs))
	for _, tf := range c.TFs {
		for _, in := range c.Instruments {
			keys = append(keys, model.SeriesKey{Exchange: in.Exchange, Symbol: in.Symbol, TF: tf})
		}
	}
	return keys
}
