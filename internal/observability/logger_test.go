package observability

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/blackbox-cli/internal/config"
)

// testSyncer is an in-memory WriteSyncer capturing console output.
type testSyncer struct {
	strings.Builder
}

func (t *testSyncer) Sync() error { return nil }

func newTestLoggerConfig() config.LoggerConfig {
	return config.LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "blackbox-test",
	}
}

func TestInitializeStoresGlobalLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	sink := &testSyncer{}
	Initialize(newTestLoggerConfig(), sink)

	logger := GetLogger()
	require.NotNil(t, logger)

	logger.Info("hunt started", zap.String("target", "http://localhost"))
	require.NoError(t, logger.Sync())

	out := sink.String()
	assert.Contains(t, out, "hunt started")
	assert.Contains(t, out, "blackbox-test")
	assert.Contains(t, out, `"target":"http://localhost"`)
}

func TestInitializeIsIdempotent(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &testSyncer{}
	second := &testSyncer{}
	Initialize(newTestLoggerConfig(), first)
	Initialize(newTestLoggerConfig(), second)

	GetLogger().Info("only once")
	require.NoError(t, GetLogger().Sync())

	assert.Contains(t, first.String(), "only once")
	assert.Empty(t, second.String())
}

func TestInitializeInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	sink := &testSyncer{}
	cfg := newTestLoggerConfig()
	cfg.Level = "not-a-level"
	Initialize(cfg, sink)

	GetLogger().Debug("suppressed")
	GetLogger().Info("emitted")
	require.NoError(t, GetLogger().Sync())

	out := sink.String()
	assert.NotContains(t, out, "suppressed")
	assert.Contains(t, out, "emitted")
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	// Must be usable without panicking.
	logger.Debug("fallback logger in use")
}

func TestConsoleEncoderColorizesLevel(t *testing.T) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeLevel = newColorizedLevelEncoder(config.ColorConfig{Info: "green"})

	sink := &testSyncer{}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(sink), zap.DebugLevel)
	zap.New(core).Info("colored")

	assert.Contains(t, sink.String(), "\x1b[32mINFO\x1b[0m")
}

func TestConsoleEncoderUnknownColorLeavesLevelPlain(t *testing.T) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeLevel = newColorizedLevelEncoder(config.ColorConfig{Info: "chartreuse"})

	sink := &testSyncer{}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(sink), zap.DebugLevel)
	zap.New(core).Info("plain")

	assert.Contains(t, sink.String(), "INFO")
	assert.NotContains(t, sink.String(), "\x1b[")
}
