package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so keyword/id lists can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Server   ServerConfig   `json:"server"`
	NapCat   NapCatConfig   `json:"napcat"`
	Bot      BotConfig      `json:"bot"`
	Chat     ChatConfig     `json:"chat"`
	Games    GamesConfig    `json:"games"`
	Checkin  CheckinConfig  `json:"checkin"`
	Sessions SessionsConfig `json:"sessions"`
	Capture  CaptureConfig  `json:"capture"`
	AI       AIConfig       `json:"ai"`
	Data     DataConfig     `json:"data"`
	Log      LogConfig      `json:"log"`
}

// ServerConfig is the inbound webhook listener.
type ServerConfig struct {
	Host        string `json:"host" env:"NASBOT_SERVER_HOST"`
	Port        int    `json:"port" env:"NASBOT_SERVER_PORT"`
	AccessToken string `json:"access_token" env:"NASBOT_SERVER_ACCESS_TOKEN"`
}

// NapCatConfig is the outbound messaging gateway. WSUrl is optional; when
// set the bot also keeps a reverse WebSocket open to the gateway.
type NapCatConfig struct {
	Host              string `json:"host" env:"NASBOT_NAPCAT_HOST"`
	Port              int    `json:"port" env:"NASBOT_NAPCAT_PORT"`
	Token             string `json:"token" env:"NASBOT_NAPCAT_TOKEN"`
	TimeoutSeconds    int    `json:"timeout_seconds" env:"NASBOT_NAPCAT_TIMEOUT_SECONDS"`
	WSUrl             string `json:"ws_url" env:"NASBOT_NAPCAT_WS_URL"`
	ReconnectInterval int    `json:"reconnect_interval" env:"NASBOT_NAPCAT_RECONNECT_INTERVAL"`
}

func (c NapCatConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

type BotConfig struct {
	Name          string `json:"name" env:"NASBOT_BOT_NAME"`
	CommandPrefix string `json:"command_prefix" env:"NASBOT_BOT_COMMAND_PREFIX"`
	AutoReply     bool   `json:"auto_reply" env:"NASBOT_BOT_AUTO_REPLY"`
}

type ChatConfig struct {
	PositiveWords FlexibleStringSlice `json:"positive_words"`
	NegativeWords FlexibleStringSlice `json:"negative_words"`
	Greetings     FlexibleStringSlice `json:"greetings"`
	Goodbyes      FlexibleStringSlice `json:"goodbyes"`
	Thanks        FlexibleStringSlice `json:"thanks"`
}

type GamesConfig struct {
	DiceMaxSides     int                 `json:"dice_max_sides" env:"NASBOT_GAMES_DICE_MAX_SIDES"`
	GuessRangeMax    int                 `json:"guess_range_max" env:"NASBOT_GAMES_GUESS_RANGE_MAX"`
	GuessMaxAttempts int                 `json:"guess_max_attempts" env:"NASBOT_GAMES_GUESS_MAX_ATTEMPTS"`
	Fortunes         FlexibleStringSlice `json:"fortunes"`
}

type CheckinConfig struct {
	DailyPoints int `json:"daily_points" env:"NASBOT_CHECKIN_DAILY_POINTS"`
	StreakBonus int `json:"streak_bonus" env:"NASBOT_CHECKIN_STREAK_BONUS"`
}

// SessionsConfig bounds the in-memory game session table.
type SessionsConfig struct {
	TTLSeconds int `json:"ttl_seconds" env:"NASBOT_SESSIONS_TTL_SECONDS"`
	MaxEntries int `json:"max_entries" env:"NASBOT_SESSIONS_MAX_ENTRIES"`
}

type CaptureConfig struct {
	Enabled    bool   `json:"enabled" env:"NASBOT_CAPTURE_ENABLED"`
	Path       string `json:"path" env:"NASBOT_CAPTURE_PATH"`
	MaxRecords int    `json:"max_records" env:"NASBOT_CAPTURE_MAX_RECORDS"`
}

type AIConfig struct {
	Enabled        bool   `json:"enabled" env:"NASBOT_AI_ENABLED"`
	APIBase        string `json:"api_base" env:"NASBOT_AI_API_BASE"`
	APIKey         string `json:"api_key" env:"NASBOT_AI_API_KEY"`
	Model          string `json:"model" env:"NASBOT_AI_MODEL"`
	SystemPrompt   string `json:"system_prompt" env:"NASBOT_AI_SYSTEM_PROMPT"`
	MaxHistory     int    `json:"max_history" env:"NASBOT_AI_MAX_HISTORY"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"NASBOT_AI_TIMEOUT_SECONDS"`
}

type DataConfig struct {
	Dir string `json:"dir" env:"NASBOT_DATA_DIR"`
}

type LogConfig struct {
	Level      string `json:"level" env:"NASBOT_LOG_LEVEL"`
	File       string `json:"file" env:"NASBOT_LOG_FILE"`
	MaxSizeMB  int    `json:"max_size_mb" env:"NASBOT_LOG_MAX_SIZE_MB"`
	MaxAgeDays int    `json:"max_age_days" env:"NASBOT_LOG_MAX_AGE_DAYS"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			AccessToken: "",
		},
		NapCat: NapCatConfig{
			Host:              "localhost",
			Port:              3000,
			Token:             "",
			TimeoutSeconds:    10,
			WSUrl:             "",
			ReconnectInterval: 5,
		},
		Bot: BotConfig{
			Name:          "NAS Bot",
			CommandPrefix: "/",
			AutoReply:     true,
		},
		Chat: ChatConfig{
			PositiveWords: FlexibleStringSlice{"开心", "高兴", "棒", "好", "赞", "哈哈", "喜欢"},
			NegativeWords: FlexibleStringSlice{"难过", "伤心", "烦", "累", "郁闷", "生气"},
			Greetings:     FlexibleStringSlice{"你好", "hello", "hi", "嗨", "早上好", "晚上好"},
			Goodbyes:      FlexibleStringSlice{"再见", "拜拜", "bye", "晚安"},
			Thanks:        FlexibleStringSlice{"谢谢", "感谢", "thanks", "thx"},
		},
		Games: GamesConfig{
			DiceMaxSides:     100,
			GuessRangeMax:    100,
			GuessMaxAttempts: 6,
			Fortunes: FlexibleStringSlice{
				"大吉：今天是幸运的一天！",
				"中吉：会有小小的惊喜等着你",
				"小吉：保持乐观，好事将至",
				"平：平平淡淡才是真",
				"凶：小心谨慎，避开麻烦",
			},
		},
		Checkin: CheckinConfig{
			DailyPoints: 10,
			StreakBonus: 5,
		},
		Sessions: SessionsConfig{
			TTLSeconds: 600,
			MaxEntries: 1024,
		},
		Capture: CaptureConfig{
			Enabled:    false,
			Path:       "data/capture.db",
			MaxRecords: 1000,
		},
		AI: AIConfig{
			Enabled:        false,
			APIBase:        "https://api.deepseek.com/v1",
			APIKey:         "",
			Model:          "deepseek-chat",
			SystemPrompt:   "",
			MaxHistory:     20,
			TimeoutSeconds: 30,
		},
		Data: DataConfig{
			Dir: "data",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "",
			MaxSizeMB:  20,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig reads the config file and applies environment overrides.
// A missing file is not an error: defaults apply, configuration problems
// are never fatal to the bot.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
