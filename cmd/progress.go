package main

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/sells-group/plansync/internal/fetcher"
)

// downloadProgress renders archive download progress to out. An unknown
// size renders a spinner.
func downloadProgress(out io.Writer) fetcher.ProgressFunc {
	return func(total int64) io.Writer {
		return progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("downloading archive"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(out, "\n") }),
		)
	}
}
