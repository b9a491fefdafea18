package worker

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/DrTomLLC/StoryStream/pkg/download"
	"github.com/DrTomLLC/StoryStream/pkg/feeds"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

const (
	feedFetchTimeout = 30 * time.Second
	// Feeds are parsed in memory; anything past this is not a feed.
	maxFeedBytes = 10 * 1024 * 1024
)

// ProcessFeedRefreshJob fetches each configured feed, parses it, and
// enqueues downloads for audio items not already on disk.
func (w *Worker) ProcessFeedRefreshJob(ctx context.Context) error {
	log := logger.FromContext(ctx)

	for _, feedURL := range w.config.Worker.FeedURLs {
		feed, err := fetchFeed(ctx, feedURL)
		if err != nil {
			log.Err(err).Error("feed fetch failed", logger.Data{"url": feedURL})
			continue
		}

		feed.SortByDate()
		queued := 0
		for _, item := range feed.AudioItems() {
			dest := w.destinationFor(item.AudioURL())
			if dest == "" {
				continue
			}
			if _, err := os.Stat(dest); err == nil {
				// Already downloaded.
				continue
			}

			_, err := w.downloads.Submit(download.Task{
				URL:         item.AudioURL(),
				Destination: dest,
				Priority:    download.PriorityNormal,
			})
			if err != nil {
				log.Err(err).Error("failed to enqueue download", logger.Data{"url": item.AudioURL()})
				continue
			}
			queued++
		}

		log.Info("feed refreshed", logger.Data{"url": feedURL, "title": feed.Title, "queued": queued})
	}

	return nil
}

func fetchFeed(ctx context.Context, feedURL string) (*feeds.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, feedFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("feed fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return feeds.Parse(string(body))
}

// destinationFor maps an enclosure URL to a file under the download
// directory, keyed by the URL's basename.
func (w *Worker) destinationFor(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "/" || name == "." {
		return ""
	}
	return filepath.Join(w.config.DataDir, "library", name)
}
