// Package sweepers — общий каркас запуска: контекст прогона, контракт
// свипера, ключи метаданных версионирования и настройка журналирования.
package sweepers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"registrysweepers/dsclient"
	"registrysweepers/registry"
)

// RunContext — общее окружение одного прогона свиперов.
type RunContext struct {
	// Client — подключение к реестру.
	Client dsclient.Client
	// NodeID — идентификатор арендатора (MULTITENANCY_NODE_ID); пустое
	// значение означает одноарендную конфигурацию.
	NodeID string
}

// IndexName разрешает логическое имя индекса с учётом арендатора.
func (rc RunContext) IndexName(logical string) (string, error) {
	return registry.ResolveMultitenantIndexName(rc.NodeID, logical)
}

// Sweeper — один проход пост-обработки реестра.
type Sweeper interface {
	// Name — короткое имя для журнала и ключей метаданных.
	Name() string
	// Run выполняет полный проход свипера.
	Run(ctx context.Context, rc RunContext) error
}

// VersionMetadataKey возвращает имя поля документа, в котором свипер
// отмечает версию своей последней обработки.
func VersionMetadataKey(sweeperName string) string {
	return "ops:Sweepers/" + sweeperName + "_version"
}

// RunAll выполняет свиперы последовательно, журналируя длительность
// каждого. Ошибка свипера прерывает прогон: последующие свиперы могут
// зависеть от результатов предыдущих.
func RunAll(ctx context.Context, rc RunContext, sweepers []Sweeper) error {
	started := time.Now()
	for _, sweeper := range sweepers {
		sweeperStarted := time.Now()
		slog.Info("sweeper starting", "sweeper", sweeper.Name())
		if err := sweeper.Run(ctx, rc); err != nil {
			return fmt.Errorf("sweepers: %s: %w", sweeper.Name(), err)
		}
		slog.Info("sweeper finished",
			"sweeper", sweeper.Name(),
			"elapsed", HumanElapsed(time.Since(sweeperStarted)))
	}
	slog.Info("all sweepers finished", "elapsed", HumanElapsed(time.Since(started)))
	return nil
}

// ParseLogLevel разбирает значение LOGLEVEL; пустая строка — INFO.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("sweepers: unsupported log level %q", raw)
	}
}

// ConfigureLogging устанавливает глобальный текстовый журнал на stderr.
func ConfigureLogging(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// HumanElapsed форматирует длительность в виде "1h2m3s" с отбрасыванием
// нулевых старших разрядов.
func HumanElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
