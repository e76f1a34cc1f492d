package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// JobInfo describes one configured job as listed by the server.
type JobInfo struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Params      []string `json:"params,omitempty"`
	Lease       string   `json:"lease"`
	Active      *bool    `json:"active,omitempty"`
}

// HistoryEntry is one recorded run. OutputLog, ExitCode and Reason are only
// filled when a single build is requested.
type HistoryEntry struct {
	BuildID   int64
	StartedAt time.Time
	Finished  time.Time
	Success   bool
	Aborted   bool
	State     string
	OutputLog string
	ExitCode  int
	Reason    string
	// Metadata holds the job parameters recorded with the run.
	Metadata map[string]string
}

var knownHistoryKeys = map[string]bool{
	"buildId": true, "datetime": true, "finished": true, "status": true, "aborted": true,
	"state": true, "output_log": true, "exit_code": true, "reason": true,
}

// UnmarshalJSON reads the flat history shape, where metadata keys sit next
// to the fixed fields.
func (h *HistoryEntry) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var wire struct {
		BuildID   string    `json:"buildId"`
		Datetime  time.Time `json:"datetime"`
		Finished  time.Time `json:"finished"`
		Status    bool      `json:"status"`
		Aborted   bool      `json:"aborted"`
		State     string    `json:"state"`
		OutputLog string    `json:"output_log"`
		ExitCode  int       `json:"exit_code"`
		Reason    string    `json:"reason"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	id, err := strconv.ParseInt(wire.BuildID, 10, 64)
	if err != nil {
		return fmt.Errorf("buildId %q: %w", wire.BuildID, err)
	}
	*h = HistoryEntry{
		BuildID:   id,
		StartedAt: wire.Datetime,
		Finished:  wire.Finished,
		Success:   wire.Status,
		Aborted:   wire.Aborted,
		State:     wire.State,
		OutputLog: wire.OutputLog,
		ExitCode:  wire.ExitCode,
		Reason:    wire.Reason,
	}
	for k, v := range raw {
		if knownHistoryKeys[k] {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			if h.Metadata == nil {
				h.Metadata = make(map[string]string)
			}
			h.Metadata[k] = s
		}
	}
	return nil
}

// Token is a bearer token returned by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

var (
	ErrBusy         = errors.New("deployment already running")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("server unavailable")
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is returned for every non-2xx response. It matches ErrBusy,
// ErrNotFound and ErrUnavailable with errors.Is according to its status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.Status == http.StatusConflict
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnavailable:
		return e.Status == http.StatusServiceUnavailable
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	}
	return false
}
