// Package watcher notices new and changed ingestion feed files and turns
// them into incremental indexing jobs.
//
// A FeedWatcher observes one directory with fsnotify, falling back to
// polling when fsnotify is unavailable (network mounts, some container
// volumes). Events are debounced so a file written in many chunks produces
// one batch. A Trigger consumes the batches and submits an incremental job,
// skipping the submission while a job it triggered earlier is still queued.
//
//	w := watcher.NewFeedWatcher(watcher.Options{Suffix: feed.Extension}, logger)
//	go func() { _ = w.Start(ctx, feedDir) }()
//	defer w.Stop()
//	watcher.NewTrigger(scheduler, logger).Run(ctx, w.Events())
package watcher
