package bootstrap

import (
	"fmt"
	"os"

	"perfwatch/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the application logger: colored console output to
// stdout, ISO8601 time, short caller and stack traces from error level.
func InitLogger(debug bool) (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads configuration from path, or from the default search
// locations when path is empty
func InitConfig(path string, sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfigFrom(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	sugar.Infow("Data paths configuration",
		"data_dir", cfg.DataPaths.DataDir,
		"sqlite_path", cfg.GetSQLitePath())

	sugar.Infow("Config loaded",
		"server_addr", cfg.Server.Addr,
		"sample_store", cfg.SampleStore,
		"secrets_provider", cfg.Secrets.Provider,
		"redis_lease", cfg.Redis.Enabled,
		"auth", cfg.Auth.Enabled)

	return cfg, nil
}

// InitRules loads the rule tables, applying the override file when configured
func InitRules(cfg *config.Config, sugar *zap.SugaredLogger) (*config.Rules, error) {
	rules, err := config.LoadRules(cfg.Rules.File, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule tables: %w", err)
	}
	return rules, nil
}
