package libstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Fetch downloads a library bundle from url (appending ?arch=arm64-v8a)
// and dispatches it to InitFromAPK or FromTar based on its content.
// The caller supplies the URL; this package never hardcodes one, since
// the actual provisioning-library server is deployment-specific
// configuration, not part of the protocol this provider implements.
func Fetch(ctx context.Context, client *http.Client, url string) (*Store, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("libstore: build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("arch", apkArch)
	req.URL.RawQuery = q.Encode()

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("libstore: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("libstore: fetch %s: unexpected status %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("libstore: read response body: %w", err)
	}
	return FromBytes(data)
}
