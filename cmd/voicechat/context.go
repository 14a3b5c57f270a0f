package main

import (
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/config"
	"github.com/vovakirdan/voicechat/internal/log"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

// ensureConfig loads configuration once. Diagnostics of the load itself go
// to w at the configured level.
func (c *commandContext) ensureConfig(w io.Writer) (config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, err := config.Load(log.NewWithWriter(c.level(config.Default()), w), path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && *c.logLevelFlag != "" {
			cfg.LogLevel = *c.logLevelFlag
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) level(cfg config.Config) string {
	if c.logLevelFlag != nil && *c.logLevelFlag != "" {
		return *c.logLevelFlag
	}
	return cfg.LogLevel
}

func (c *commandContext) logger(cfg config.Config, w io.Writer) *zerolog.Logger {
	return log.NewWithWriter(c.level(cfg), w)
}
