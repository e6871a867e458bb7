package cloudstore

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"golang.org/x/net/http2"

	"github.com/nexusdata/nexusstore/internal/entity"
)

// bulkClientOnce/bulkClient give every Store a shared HTTP/2 transport
// rather than dialing a fresh one per reconciliation round (spec.md §9
// design note: keep connection setup cost amortized for a backend that
// syncs repeatedly over the lifetime of a process).
var (
	bulkClientOnce sync.Once
	bulkClient     *http.Client
)

func sharedBulkClient() *http.Client {
	bulkClientOnce.Do(func() {
		transport := &http2.Transport{}
		bulkClient = &http.Client{Transport: transport}
	})
	return bulkClient
}

// reconcileBulk fetches a full-table export from cfg.BulkURL over HTTP/2
// and upserts every row, catching changes the realtime channel missed
// while this backend was disconnected.
func (s *Store[T, K]) reconcileBulk(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BulkURL, nil)
	if err != nil {
		return err
	}
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}

	resp, err := sharedBulkClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode == http.StatusForbidden {
		return errForbidden
	}
	if resp.StatusCode >= 300 {
		return errBulkStatus(resp.StatusCode)
	}

	var rows []entity.Map
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return err
	}

	for _, row := range rows {
		item, err := s.cfg.FromMap(row)
		if err != nil {
			continue
		}
		if err := s.upsert(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

type errBulkStatus int

func (e errBulkStatus) Error() string { return "bulk reconcile: unexpected status code" }

type bulkAuthError string

func (e bulkAuthError) Error() string { return string(e) }

const (
	errUnauthorized = bulkAuthError("invalid token")
	errForbidden    = bulkAuthError("permission denied")
)
