package broker

import (
	"log/slog"
	"time"

	"github.com/movebroker/movebroker/pkg/metrics"
)

func discarded(reason, line string, log *slog.Logger) {
	log.Info("discarding engine output", "reason", reason, "line", line)
	if metrics.LinesDiscardedTotal != nil {
		if vec, err := metrics.LinesDiscardedTotal.WithLabels(reason); err == nil {
			_ = vec.Inc()
		}
	}
}

func observeDispatchWait(d time.Duration) {
	if metrics.DispatchWait != nil {
		_ = metrics.DispatchWait.Observe(d.Seconds())
	}
}

func recordEvaluation(mode string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = Code(err)
		if outcome == CodeInternal {
			outcome = "error"
		}
	}
	if metrics.EvaluationsTotal != nil {
		if vec, verr := metrics.EvaluationsTotal.WithLabels(mode, outcome); verr == nil {
			_ = vec.Inc()
		}
	}
	if metrics.EvaluationDuration != nil {
		if vec, verr := metrics.EvaluationDuration.WithLabels(mode); verr == nil {
			vec.Observe(d.Seconds())
		}
	}
}

func setEngineUp(up bool) {
	if metrics.EngineUp == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	_ = metrics.EngineUp.Set(v)
}

func countRestart() {
	if metrics.EngineRestartsTotal != nil {
		_ = metrics.EngineRestartsTotal.Inc()
	}
}
