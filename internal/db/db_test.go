package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-mail-reply-go/internal/config"
	"smart-mail-reply-go/internal/model"
)

func TestOpenMemoryMigrates(t *testing.T) {
	conn, err := OpenMemory()
	require.NoError(t, err)

	for _, table := range []any{&model.User{}, &model.SyncCursor{}, &model.Message{}, &model.MessageRecipient{}, &model.Draft{}, &model.Artifact{}, &model.JobRecord{}} {
		assert.True(t, conn.Migrator().HasTable(table))
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := Init(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
