// Package logattr holds the slog attributes shared across components.
package logattr

import "log/slog"

func ServiceName(serviceName string) slog.Attr {
	return slog.String("service_name", serviceName)
}

func Component(component string) slog.Attr {
	return slog.String("component", component)
}

func AggregateID(id string) slog.Attr {
	return slog.String("aggregate_id", id)
}

func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

func Version(version int) slog.Attr {
	return slog.Int("version", version)
}

func ExpectedVersion(version int) slog.Attr {
	return slog.Int("expected_version", version)
}

func ActualVersion(version int) slog.Attr {
	return slog.Int("actual_version", version)
}

func Position(position int64) slog.Attr {
	return slog.Int64("position", position)
}

func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
