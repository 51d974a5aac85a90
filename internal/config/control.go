package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ControlFlags are the operator toggles that may change while the bot runs.
type ControlFlags struct {
	ManualStop     bool
	ReenterEnabled bool
}

// Control holds the live control flags. With a path it follows the file on
// disk and writes operator changes back to it; without one it serves the
// startup values.
type Control struct {
	log  *zap.Logger
	v    *viper.Viper
	path string

	writeMu sync.Mutex

	mu       sync.RWMutex
	flags    ControlFlags
	onChange []func(ControlFlags)
}

func NewControl(cfg *Config, log *zap.Logger) (*Control, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Control{
		log: log,
		flags: ControlFlags{
			ManualStop:     cfg.Control.ManualStop,
			ReenterEnabled: cfg.Strategy.Entry.ReenterEnabled,
		},
	}
	path := strings.TrimSpace(cfg.Control.Path)
	if path == "" {
		return c, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("manual_stop", c.flags.ManualStop)
	v.SetDefault("reenter_enabled", c.flags.ReenterEnabled)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read control file: %w", err)
	}
	c.v = v
	c.path = path
	c.reload()
	v.OnConfigChange(func(evt fsnotify.Event) {
		c.reload()
		c.log.Info("control file reloaded", zap.String("file", evt.Name), zap.Any("flags", c.Flags()))
		c.notify()
	})
	v.WatchConfig()
	return c, nil
}

func (c *Control) Flags() ControlFlags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags
}

// SetManualStop changes the manual stop flag and persists it to the control
// file. The flag applies even when the write fails.
func (c *Control) SetManualStop(on bool) error {
	c.mu.Lock()
	c.flags.ManualStop = on
	c.mu.Unlock()
	err := c.persist("manual_stop", on)
	c.notify()
	return err
}

// SetReenterEnabled changes the re-entry flag and persists it to the control
// file.
func (c *Control) SetReenterEnabled(on bool) error {
	c.mu.Lock()
	c.flags.ReenterEnabled = on
	c.mu.Unlock()
	err := c.persist("reenter_enabled", on)
	c.notify()
	return err
}

// persist rewrites one key of the control file, keeping any other keys. The
// file watcher then reloads the same value.
func (c *Control) persist(key string, on bool) error {
	if c.path == "" {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	doc := map[string]any{}
	raw, err := os.ReadFile(c.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read control file: %w", err)
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse control file: %w", err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc[key] = on
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode control file: %w", err)
	}
	if err := os.WriteFile(c.path, out, 0o600); err != nil {
		return fmt.Errorf("write control file: %w", err)
	}
	c.log.Info("control file updated", zap.String("key", key), zap.Bool("value", on))
	return nil
}

func (c *Control) OnChange(fn func(ControlFlags)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

func (c *Control) reload() {
	if c.v == nil {
		return
	}
	flags := ControlFlags{
		ManualStop:     c.v.GetBool("manual_stop"),
		ReenterEnabled: c.v.GetBool("reenter_enabled"),
	}
	c.mu.Lock()
	c.flags = flags
	c.mu.Unlock()
}

func (c *Control) notify() {
	c.mu.RLock()
	flags := c.flags
	listeners := append([]func(ControlFlags){}, c.onChange...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(flags)
	}
}
