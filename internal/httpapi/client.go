package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// FetchStatus reads /v1/status from a running monitor at addr
// ("host:port" or a full URL).
func FetchStatus(ctx context.Context, client *http.Client, addr string) (Status, error) {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/status", nil)
	if err != nil {
		return Status{}, errors.Wrap(err, "status request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Status{}, errors.Wrapf(err, "GET %s/v1/status", base)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Status{}, errors.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, errors.Wrap(err, "decode status")
	}
	return st, nil
}
