package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/metrics"
)

// HTTPStore persists documents against the REST document store:
//
//	GET {base}/v1/documents/{room_id} -> 200 document JSON | 404
//	PUT {base}/v1/documents/{room_id} <- full document JSON
//
// Calls run behind a circuit breaker so a dead store degrades the service
// (stale saves, refused cold loads) instead of piling up blocked requests.
type HTTPStore struct {
	baseURL     string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	loadTimeout time.Duration
	saveTimeout time.Duration
}

// NewHTTPStore builds a store client for the given base URL, which must not
// carry a trailing slash. Timeouts bound individual load and save calls.
func NewHTTPStore(baseURL string, loadTimeout, saveTimeout time.Duration) *HTTPStore {
	cbSettings := gobreaker.Settings{
		Name:        "docstore",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logging.Warn(context.Background(), "Document store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = 0
			case gobreaker.StateOpen:
				stateValue = 1
			case gobreaker.StateHalfOpen:
				stateValue = 2
			}
			metrics.CircuitBreakerState.Set(stateValue)
		},
		// A 404 is a healthy round trip, not a store failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	}

	return &HTTPStore{
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		breaker:     gobreaker.NewCircuitBreaker(cbSettings),
		loadTimeout: loadTimeout,
		saveTimeout: saveTimeout,
	}
}

// Load fetches the persisted document for a room. Returns ErrNotFound when
// the store has never seen the room.
func (s *HTTPStore) Load(ctx context.Context, roomID board.RoomID) (*board.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.documentURL(roomID), nil)
		if err != nil {
			return nil, fmt.Errorf("build load request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("load document: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("load document: unexpected status %d", resp.StatusCode)
		}

		var doc board.Document
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		return doc.Clone(), nil
	})
	metrics.StoreRequestDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())

	if err != nil {
		s.observeFailure(ctx, "load", roomID, err)
		return nil, err
	}

	metrics.StoreRequests.WithLabelValues("load", "ok").Inc()
	return result.(*board.Document), nil
}

// Save writes the full document snapshot for a room.
func (s *HTTPStore) Save(ctx context.Context, roomID board.RoomID, doc *board.Document) error {
	ctx, cancel := context.WithTimeout(ctx, s.saveTimeout)
	defer cancel()

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	start := time.Now()
	_, err = s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.documentURL(roomID), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build save request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("save document: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("save document: unexpected status %d", resp.StatusCode)
		}
		return nil, nil
	})
	metrics.StoreRequestDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())

	if err != nil {
		s.observeFailure(ctx, "save", roomID, err)
		return err
	}

	metrics.StoreRequests.WithLabelValues("save", "ok").Inc()
	return nil
}

// State exposes the breaker state for readiness reporting.
func (s *HTTPStore) State() gobreaker.State {
	return s.breaker.State()
}

func (s *HTTPStore) documentURL(roomID board.RoomID) string {
	return fmt.Sprintf("%s/v1/documents/%s", s.baseURL, url.PathEscape(string(roomID)))
}

func (s *HTTPStore) observeFailure(ctx context.Context, op string, roomID board.RoomID, err error) {
	if errors.Is(err, ErrNotFound) {
		metrics.StoreRequests.WithLabelValues(op, "not_found").Inc()
		return
	}

	metrics.StoreRequests.WithLabelValues(op, "error").Inc()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.Inc()
		logging.Warn(ctx, "Document store unavailable, circuit breaker open",
			zap.String("op", op),
			zap.String("room", string(roomID)),
		)
		return
	}
	logging.Error(ctx, "Document store request failed",
		zap.String("op", op),
		zap.String("room", string(roomID)),
		zap.Error(err),
	)
}
