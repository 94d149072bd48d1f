// Package progress tracks and displays download progress.
//
// A Registry holds one Info record per download: a generated ID, the
// download name and its progress fraction. The downloader publishes to it
// after every batch; any number of subscribers receive copies without
// slowing the download down.
//
// # Usage
//
//	registry := progress.NewRegistry()
//	reporter := progress.NewReporter(registry, progress.Options{Bars: true})
//	reporter.Start()
//	defer reporter.Stop()
//
//	updates, cancel := registry.Subscribe(16)
//	defer cancel()
//	for info := range updates {
//	    fmt.Println(info.Name, info.Progress)
//	}
//
// # Output Format
//
//	[trickle] Progress: 45.2% | 1.13 GB / 2.50 GB | Speed: 12.00 MB/s | ETA: 1m 54s
//	[trickle] Downloads: 46 completed | 4 in-progress | 0 partial | 1 failed
package progress
