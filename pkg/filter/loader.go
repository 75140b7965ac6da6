package filter

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
)

// Download fetches the filter list at listURL and, unless plainText is
// set, base64-decodes it after stripping whitespace, matching the wire
// format GFWList and similar AutoProxy lists ship in. The downloader and
// decoder sit outside the core per the design; this is a thin, deliberately
// unadorned net/http client since no part of the domain stack speaks this
// concern any better (see DESIGN.md).
func Download(ctx context.Context, listURL string, plainText bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building filter list request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching filter list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching filter list: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading filter list: %w", err)
	}

	if plainText {
		return data, nil
	}
	return decodeBase64(data)
}

func decodeBase64(data []byte) ([]byte, error) {
	stripped := bytes.Join(bytes.Fields(data), nil)

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(stripped)))
	n, err := base64.StdEncoding.Decode(decoded, stripped)
	if err != nil {
		return nil, fmt.Errorf("decoding filter list: %w", err)
	}
	return decoded[:n], nil
}
