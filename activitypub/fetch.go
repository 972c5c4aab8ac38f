package activitypub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/util"
	"go.uber.org/zap"
)

const maxDocumentSize = 1 << 20

// Fetcher retrieves remote ActivityPub documents.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher dereferences documents over HTTP with an activity+json Accept header.
type HTTPFetcher struct {
	client *http.Client
	log    *zap.Logger
}

func NewHTTPFetcher(timeout time.Duration, log *zap.Logger) *HTTPFetcher {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, log: log}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.DeliveryError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", userAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &domain.DeliveryError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.DeliveryError{URL: url, Err: fmt.Errorf("fetch failed with status: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, &domain.DeliveryError{URL: url, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(body) > maxDocumentSize {
		return nil, &domain.DeliveryError{URL: url, Err: fmt.Errorf("document too large: more than %d bytes", maxDocumentSize)}
	}
	f.log.Debug("Fetched remote document", zap.String("url", url), zap.Int("bytes", len(body)))
	return body, nil
}

func userAgent() string {
	return fmt.Sprintf("%s/%s ActivityPub", util.Name, util.GetVersion())
}
