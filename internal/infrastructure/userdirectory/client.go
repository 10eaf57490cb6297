package userdirectory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/logger"
	"github.com/google/uuid"
)

var (
	ErrTimeout     = errors.New("user_directory_timeout")
	ErrUnavailable = errors.New("user_directory_unavailable")
	ErrNotFound    = errors.New("profile_not_found")
)

type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("user directory error [%d]", e.StatusCode)
}

// Client resolves profiles over HTTP. Successful lookups are cached when a
// cache is configured.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	cache domain.CacheRepository
	ttl   time.Duration
}

var _ domain.UserDirectory = (*Client)(nil)

func New(baseURL string, cache domain.CacheRepository, ttl time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		cache: cache,
		ttl:   ttl,
	}
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

type profileDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func (c *Client) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	if c.cache != nil {
		if p, err := c.cache.GetProfile(ctx, userID); err == nil {
			return p, nil
		} else if !errors.Is(err, domain.ErrCacheMiss) {
			logger.WithCtx(ctx).Warn().Err(err).Str("user_id", userID.String()).Msg("profile cache read failed")
		}
	}

	p, err := c.fetch(ctx, userID)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && c.ttl > 0 {
		if err := c.cache.SetProfile(ctx, p, c.ttl); err != nil {
			logger.WithCtx(ctx).Warn().Err(err).Str("user_id", userID.String()).Msg("profile cache write failed")
		}
	}
	return p, nil
}

func (c *Client) fetch(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	url := fmt.Sprintf("%s/users/%s/profile", c.BaseURL, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if rid := appCtx.GetRequestID(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, &StatusError{StatusCode: resp.StatusCode})
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}

	// Accept both {"data":{...}} and a bare profile object.
	var env dataEnvelope[*profileDTO]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	dto := env.Data
	if dto == nil {
		dto = &profileDTO{}
		if err := json.Unmarshal(body, dto); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}

	p := &domain.UserProfile{
		ID:          userID,
		DisplayName: strings.TrimSpace(dto.DisplayName),
		AvatarURL:   strings.TrimSpace(dto.AvatarURL),
	}
	if id, err := uuid.Parse(dto.ID); err == nil && id != userID {
		return nil, fmt.Errorf("profile id mismatch: got %s", id)
	}
	return p, nil
}
