// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package humus

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// Logger returns a [slog.Logger] which emits records through the globally
// configured OpenTelemetry log provider, tagged with the given instrumentation
// name (conventionally a package path).
func Logger(name string) *slog.Logger {
	return otelslog.NewLogger(name)
}
