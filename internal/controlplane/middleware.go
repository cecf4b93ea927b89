package controlplane

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"pewbridge/internal/observability/metrics"
	logx "pewbridge/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// wrap layers the request guards around h. The outermost guard recovers
// panics so a broken handler only fails its own request.
func wrap(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return recovered(audited(bounded(h, timeout)))
}

func bounded(next HandlerFunc, d time.Duration) HandlerFunc {
	if d <= 0 {
		return next
	}
	return func(ctx context.Context, req *Request) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx, req)
	}
}

func recovered(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (err error) {
		defer func() {
			if r := recover(); r != nil {
				req.Logger.Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				metrics.OperatorCommand(req.Command, "panic")
				err = fmt.Errorf("internal error in /%s", req.Command)
			}
		}()
		return next(ctx, req)
	}
}

const slowCommand = 750 * time.Millisecond

func audited(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		start := time.Now()
		err := next(ctx, req)
		took := time.Since(start)
		log := req.Logger.With(logx.Int64("from_id", req.FromID), logx.Duration("took", took))
		switch {
		case err != nil:
			metrics.OperatorCommand(req.Command, "error")
			log.Warn("command failed", logx.Err(err))
		case took >= slowCommand:
			metrics.OperatorCommand(req.Command, "ok")
			log.Info("command slow")
		default:
			metrics.OperatorCommand(req.Command, "ok")
			log.Debug("command done")
		}
		return err
	}
}
