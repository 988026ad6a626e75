package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	policy := JobPolicyConfig{Concurrency: 1, MaxAttempts: 3, BackoffBase: 3 * time.Second}
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Database: DatabaseConfig{
			Driver: "mysql",
			Host:   "localhost",
			User:   "test",
			DBName: "test",
		},
		LLM:  LLMConfig{Model: "gpt-4o-mini"},
		Sync: SyncConfig{BackfillLimit: 10},
		Jobs: JobsConfig{
			Onboarding:        policy,
			StyleRegeneration: policy,
			RelationshipRegen: policy,
			ReplyGeneration:   policy,
		},
		Scheduler: SchedulerConfig{PollIntervalMinutes: 2},
	}
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	invalid := validConfig()
	invalid.Server.Port = ""
	assert.Error(t, invalid.Validate())

	unknownDriver := validConfig()
	unknownDriver.Database.Driver = "oracle"
	assert.Error(t, unknownDriver.Validate())

	zeroWorkers := validConfig()
	zeroWorkers.Jobs.ReplyGeneration.Concurrency = 0
	assert.Error(t, zeroWorkers.Validate())

	sqlite := validConfig()
	sqlite.Database = DatabaseConfig{Driver: "sqlite", Path: "test.db"}
	assert.NoError(t, sqlite.Validate())
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Driver:   "mysql",
		Host:     "localhost",
		Port:     3306,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
	}
	assert.Equal(t, "testuser:testpass@tcp(localhost:3306)/testdb?charset=utf8mb4&parseTime=True&loc=Local", cfg.GetDSN())

	cfg.Driver = "postgres"
	cfg.Port = 5432
	cfg.SSLMode = "disable"
	assert.Equal(t, "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable", cfg.GetDSN())

	cfg.Driver = "sqlite"
	cfg.Path = ":memory:"
	assert.Equal(t, ":memory:", cfg.GetDSN())
}

func TestGoogleEnabled(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.GoogleEnabled())

	cfg.Google = GoogleConfig{ClientID: "id", ClientSecret: "secret"}
	assert.True(t, cfg.GoogleEnabled())
}
