package notify

import (
	"context"

	"github.com/italolelis/downloadmanager/internal/logctx"
)

// LogRenderer writes indicators to the structured log.
type LogRenderer struct{}

func (LogRenderer) Name() string { return "log" }

func (LogRenderer) Render(ctx context.Context, ind Indicator) error {
	logger := logctx.LoggerFromContext(ctx).With(
		"link", ind.Link,
		"request_id", ind.RequestID,
		"state", ind.State,
		"indicator", ind.Kind.String(),
	)

	switch ind.Kind {
	case IndicatorTerminal:
		logger.Info(ind.Title, "text", ind.Text, "actions", ind.Actions)
	default:
		logger.Debug(ind.Title, "text", ind.Text, "progress", ind.Progress)
	}

	return nil
}
