package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/cachedb/cachedb/internal/config"
	"github.com/cachedb/cachedb/internal/logging"
)

var ipv6HostRx = regexp.MustCompile(`\[:{0,2}([0-9a-f]{0,4}:?){1,8}\]:\d+`)
var ipv4HostRx = regexp.MustCompile(`(\d{1,3}\.){3}\d{1,3}:\d+`)

// Remove remote addresses from error messages so equal failures from
// different peers group into one sentry issue.
func sanitizeError(err string) string {
	err = ipv6HostRx.ReplaceAllString(err, "<host>")
	err = ipv4HostRx.ReplaceAllString(err, "<host>")
	return err
}

func Report(ctx context.Context, err error, extras ...map[string]string) {
	hub := sentry.GetHubFromContext(ctx)
	logger := logging.FromContext(ctx)
	if hub == nil {
		logger.Warn("Failed to get Sentry hub from context", "Error:", err, "Extras:", extras)
		return
	}

	logger.Error(
		"Reporting error to Sentry",
		slog.String("error", err.Error()),
		slog.Any("extras", extras),
	)

	hub.WithScope(func(scope *sentry.Scope) {
		meta := MetaFromContext(ctx)
		scope.SetTags(meta.tags)
		for key, value := range meta.extras {
			scope.SetExtra(key, value)
		}
		scope.SetExtra("secondsSinceStart", time.Since(meta.startedAt).Seconds())

		for _, extra := range extras {
			if extra == nil {
				continue
			}
			for key, value := range extra {
				scope.SetExtra(key, value)
			}
		}

		if err == nil {
			err = errors.New("No error provided")
		}

		scope.SetFingerprint([]string{"{{ default }}", sanitizeError(err.Error())})
		hub.CaptureException(err)
	})
}

// AddConnectionMetaToContext attaches a cloned sentry hub and connection
// metadata to the context used for one connection's lifetime. Cloning keeps
// scope mutations from leaking between connections.
func AddConnectionMetaToContext(ctx context.Context, connectionID, remoteAddr string) context.Context {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	ctx = sentry.SetHubOnContext(ctx, hub.Clone())

	ctx = AddTagsToContext(ctx,
		map[string]string{
			"connectionID": connectionID,
			"remoteAddr":   remoteAddr,
		},
	)

	return setStartedAtInContext(ctx, time.Now())
}

// ReportPanic is deferred in connection handler goroutines: a panic while
// serving one connection is reported and swallowed so the process keeps
// serving the others.
func ReportPanic(ctx context.Context) {
	recovered := recover()
	if recovered == nil {
		return
	}

	err, ok := recovered.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", recovered)
	} else {
		err = fmt.Errorf("panic: %w", err)
	}

	Report(ctx, err)
}

func InitSentry(sentryDSN string) (func(), error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn: sentryDSN,
	})
	if err != nil {
		return nil, err
	}

	flush := func() {
		sentry.Flush(5 * time.Second)
	}

	return flush, nil
}

func NewSentryOrMock(config config.Config) (func(), error) {
	if config.SentryDSN() != "" {
		return InitSentry(config.SentryDSN())
	}

	if config.IsDevelopment() {
		return func() {}, nil
	}

	return nil, fmt.Errorf("Missing Sentry DSN in non-development environment")
}
