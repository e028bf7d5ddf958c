package worker

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/ethpandaops/testoor/pkg/logstore"
	"github.com/ethpandaops/testoor/pkg/store"
	"golang.org/x/sync/errgroup"
)

// maxShortLogSize bounds how much of a log is stored inline in the
// database. Longer logs keep a head-and-tail excerpt inline and the
// full content goes to the log store.
const maxShortLogSize = 10 * 1024

// backtraceMarker is what a panicking test process prints before its
// stack dump.
var backtraceMarker = []byte("stack backtrace:")

// hasBacktrace reports whether the output contains a stack dump.
func hasBacktrace(data []byte) bool {
	return bytes.Contains(bytes.ToLower(data), backtraceMarker)
}

// shortLog truncates a log to at most maxShortLogSize bytes. Oversized
// logs keep their head and tail with a seam in between, split on line
// boundaries when one is near. The second return value reports whether
// the result is the complete content.
func shortLog(data []byte) ([]byte, bool) {
	if len(data) <= maxShortLogSize {
		return data, true
	}

	head := data[:maxShortLogSize/2-3]
	tail := data[len(data)-maxShortLogSize/2+2:]

	// Do not split mid-line unless a clean split would discard too much.
	if pos := bytes.LastIndexByte(head, '\n'); pos >= 0 &&
		len(head)-pos < 500 {
		head = head[:pos]
	}

	if pos := bytes.IndexByte(tail, '\n'); pos >= 0 && pos < 500 {
		tail = tail[pos+1:]
	}

	out := make([]byte, 0, len(head)+len(tail)+5)
	out = append(out, head...)
	out = append(out, []byte("\n...\n")...)
	out = append(out, tail...)

	return out, false
}

// saveLogs stores the captured outputs of a test: a short (possibly
// truncated) copy inline in the database and, for truncated logs, the
// full content in the log store. Uploads run in parallel.
func (w *worker) saveLogs(
	ctx context.Context, testID uint, outputs map[string][]byte,
) error {
	var (
		mu   sync.Mutex
		rows []store.Log
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for name, data := range outputs {
		g.Go(func() error {
			short, full := shortLog(data)

			row := store.Log{
				Type:       name,
				Size:       int64(len(data)),
				Data:       short,
				StackTrace: hasBacktrace(data),
			}

			if !full {
				url, err := w.logs.Put(ctx, logstore.Key(testID, name), data)
				if err != nil {
					return fmt.Errorf("archiving %s log: %w", name, err)
				}

				row.StorageURL = url
			}

			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return w.store.SaveTestLogs(ctx, testID, rows)
}
