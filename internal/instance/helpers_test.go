package instance

import (
	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/config"
)

func testChatConfig(id string) config.ModelConfig {
	return config.ModelConfig{
		ID:     id,
		Engine: "fake",
		Task:   config.TaskChat,
	}
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
