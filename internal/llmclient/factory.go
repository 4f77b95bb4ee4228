// internal/llmclient/factory.go
package llmclient

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/blackbox-cli/api/schemas"
	"github.com/xkilldash9x/blackbox-cli/internal/config"
	"github.com/xkilldash9x/blackbox-cli/internal/keypool"
)

// New builds the configured LLM client. Gemini is currently the only
// provider; the schemas.LLMClient return type keeps callers provider-agnostic.
func New(cfg config.LLMConfig, pool *keypool.Pool, logger *zap.Logger) (schemas.LLMClient, error) {
	return NewGeminiClient(cfg, pool, logger)
}
