package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "PERPAGENT"

// 允许通过环境变量覆盖的敏感字段，如 PERPAGENT_EXCHANGE_API_KEY。
var envBindings = []string{
	"exchange.api_key",
	"exchange.api_secret",
	"notify.telegram.bot_token",
	"notify.telegram.chat_id",
	"app.mode",
}

// Load 读取主配置及其 include 链，按顺序合并后补齐默认值并校验。
// 只有文件或环境变量中真正出现过的键才会跳过默认值。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &includeWalker{seen: map[string]bool{}, active: map[string]bool{}}
	if err := w.visit(abs); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	keys := make(keySet)
	for _, part := range w.parts {
		for _, k := range part.v.AllKeys() {
			keys.mark(k)
		}
		if err := v.MergeConfigMap(part.v.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", part.path, err)
		}
	}
	for _, key := range envBindings {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s failed: %w", key, err)
		}
		if strings.TrimSpace(os.Getenv(envName(key))) != "" {
			keys.mark(key)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

type configPart struct {
	path string
	v    *viper.Viper
}

// includeWalker 深度优先展开 include，被包含的文件先于包含者合并，每个文件只读一次。
type includeWalker struct {
	seen   map[string]bool
	active map[string]bool
	parts  []configPart
}

func (w *includeWalker) visit(path string) error {
	path = filepath.Clean(path)
	if w.active[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if w.seen[path] {
		return nil
	}
	w.active[path] = true

	part := viper.New()
	part.SetConfigFile(path)
	part.SetConfigType("toml")
	if err := part.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	for _, inc := range part.GetStringSlice("include") {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := w.visit(inc); err != nil {
			return err
		}
	}

	delete(w.active, path)
	w.seen[path] = true
	w.parts = append(w.parts, configPart{path: path, v: part})
	return nil
}
