package config_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/okian/scanreward/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.StoreDriver, convey.ShouldEqual, config.DriverMemory)
				convey.So(cfg.TransferConcurrency, convey.ShouldEqual, 5)
				convey.So(cfg.CapToAvailable, convey.ShouldBeFalse)
				convey.So(cfg.Simulated(), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("REWARDS_ADDR", ":8080")
			_ = os.Setenv("REWARDS_TRANSFER_CONCURRENCY", "8")
			_ = os.Setenv("REWARDS_CAP_TO_AVAILABLE", "true")
			_ = os.Setenv("REWARDS_TOKEN_DECIMALS", "6")
			_ = os.Setenv("REWARDS_SCHEDULE", "")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.TransferConcurrency, convey.ShouldEqual, 8)
				convey.So(cfg.CapToAvailable, convey.ShouldBeTrue)
				convey.So(cfg.TokenDecimals, convey.ShouldEqual, 6)
				convey.So(cfg.Schedule, convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			yamlContent := `
# postgres backed deployment
addr: ":9090"
store_driver: postgres
postgres_dsn: "postgres://rewards@localhost/rewards"
transfer_max_retries: 4
run_timeout_s: 120
`
			tmpFile := createTempConfigFile(yamlContent)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("REWARDS_CONFIG", tmpFile)
			_ = os.Setenv("REWARDS_ADDR", ":8081")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8081")
				convey.So(cfg.StoreDriver, convey.ShouldEqual, config.DriverPostgres)
				convey.So(cfg.TransferMaxRetries, convey.ShouldEqual, 4)
				convey.So(cfg.RunTimeout().Seconds(), convey.ShouldEqual, float64(120))
				convey.So(cfg.RetryMaxDelayMS, convey.ShouldEqual, 5_000)
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(`invalid: yaml: content: [`)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("REWARDS_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("REWARDS_CONFIG", "/non/existent/file.yaml")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with empty addr", func() {
			_ = os.Setenv("REWARDS_ADDR", "")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "addr must not be empty")
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with invalid numeric environment variables", func() {
			_ = os.Setenv("REWARDS_TRANSFER_CONCURRENCY", "not_a_number")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When the scylla driver is chosen", func() {
			_ = os.Setenv("REWARDS_STORE_DRIVER", "scylla")
			_ = os.Setenv("REWARDS_SCYLLA_HOSTS", "10.0.0.1, 10.0.0.2")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then the host list is split and trimmed", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Hosts(), convey.ShouldResemble, []string{"10.0.0.1", "10.0.0.2"})
			})
		})
	})
}

// Helper functions.

func clearConfigEnvVars() {
	envVars := []string{
		"REWARDS_CONFIG",
		"REWARDS_ADDR",
		"REWARDS_STORE_DRIVER",
		"REWARDS_SCYLLA_HOSTS",
		"REWARDS_TRANSFER_CONCURRENCY",
		"REWARDS_CAP_TO_AVAILABLE",
		"REWARDS_TOKEN_DECIMALS",
		"REWARDS_SCHEDULE",
	}
	for _, envVar := range envVars {
		_ = os.Unsetenv(envVar)
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "rewards-config-*.yaml")
	if err != nil {
		panic(err)
	}

	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}

	if err := tmpFile.Close(); err != nil {
		panic(err)
	}

	return tmpFile.Name()
}
