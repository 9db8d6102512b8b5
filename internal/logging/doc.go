// Package logging configures slog for dicomindex. Commands log to stderr at
// the configured level; with --debug, or in serve mode, JSON logs are also
// written to ~/.dicomindex/logs/ with size-based rotation. The Viewer reads
// those files back for `dicomindex logs`.
package logging
