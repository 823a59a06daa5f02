package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/auth"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/board"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
)

// tokenExtractionResult holds the result of token extraction
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken extracts JWT token from Sec-WebSocket-Protocol header or query param.
func (h *Hub) extractToken(c *gin.Context) (*tokenExtractionResult, error) {
	result := &tokenExtractionResult{}

	// Priority 1: Check Sec-WebSocket-Protocol header
	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		parts := strings.SplitSeq(headerVal, ",")
		for p := range parts {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			// Treat any other part as a potential token
			if p != "" {
				// Try to validate it - if valid, use it
				_, err := h.validator.ValidateToken(p)
				if err == nil {
					result.Token = p
					result.FromHeader = true
					logging.GetLogger().Debug("Token extracted from Sec-WebSocket-Protocol header")
				}
			}
		}
	}

	// Priority 2: Fall back to the token query param for clients that cannot
	// set WebSocket headers
	if result.Token == "" {
		if queryToken := c.Query("token"); queryToken != "" {
			result.Token = queryToken
			logging.GetLogger().Debug("Token extracted from query parameter")
		}
	}

	if result.Token == "" {
		logging.Warn(context.Background(), "No token provided in request")
		return nil, fmt.Errorf("token not provided")
	}

	return result, nil
}

// normalizeOrigin reduces an origin to lowercase "scheme://host" so header
// values and configured entries compare equal regardless of case or paths.
func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin missing scheme or host: %q", raw)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// normalizeOrigins builds the allow set once at startup. Unparseable entries
// are logged and skipped rather than silently matched against nothing.
func normalizeOrigins(origins []string) set.Set[string] {
	allowed := set.New[string]()
	for _, o := range origins {
		normalized, err := normalizeOrigin(o)
		if err != nil {
			logging.Warn(context.Background(), "Skipping unparseable allowed origin",
				zap.String("origin", o), zap.Error(err))
			continue
		}
		allowed.Insert(normalized)
	}
	return allowed
}

// validateOrigin checks if the request origin is in the allowed set.
func (h *Hub) validateOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.GetLogger().Debug("No origin header - allowing non-browser client")
		return nil // Allow non-browser clients (e.g., for testing)
	}

	normalized, err := normalizeOrigin(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	if h.allowedOrigins.Has(normalized) {
		logging.GetLogger().Debug("Origin validated", zap.String("origin", origin))
		return nil
	}

	if h.devMode {
		if u, parseErr := url.Parse(origin); parseErr == nil {
			hostname := u.Hostname()
			if hostname == "localhost" || hostname == "127.0.0.1" {
				logging.GetLogger().Debug("Dev mode: allowing localhost origin", zap.String("origin", origin))
				return nil
			}
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin),
		zap.Strings("allowedOrigins", h.allowedOrigins.SortedList()))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// authenticateUser validates the token and extracts claims.
func (h *Hub) authenticateUser(token string) (*auth.CustomClaims, error) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(context.Background(), "Token validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	logging.GetLogger().Debug("User authenticated", zap.String("userId", claims.Subject), zap.String("name", claims.Name))
	return claims, nil
}

// sessionSetupParams holds parameters for setting up a session
type sessionSetupParams struct {
	Username      string // From query param
	Claims        *auth.CustomClaims
	Conn          wsConnection
	CorrelationID string // From the upgrade request, empty when the middleware is absent
}

// newSession mints a session for an accepted connection and registers it.
// The session belongs to no room yet; that happens on its first join-room.
func (h *Hub) newSession(params *sessionSetupParams) *Session {
	id := board.SessionID(uuid.NewString())

	var userID string
	if params.Claims != nil {
		userID = params.Claims.Subject
	}

	// Determine display name
	displayName := params.Username // Use frontend-provided username first
	if displayName == "" && params.Claims != nil {
		displayName = params.Claims.Subject // Fallback to subject if name is not in token
		if params.Claims.Name != "" {
			displayName = params.Claims.Name
		} else if params.Claims.Email != "" {
			// Use email prefix as display name
			if parts := strings.Split(params.Claims.Email, "@"); len(parts) > 0 {
				displayName = parts[0]
			}
		}
	}
	if displayName == "" {
		displayName = "anonymous"
	}

	s := &Session{
		conn:          params.Conn,
		hub:           h,
		id:            id,
		userID:        userID,
		displayName:   displayName,
		correlationID: params.CorrelationID,
		send:          make(chan []byte, h.sendQueueSize),
	}

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	ctx := logging.WithSessionID(context.Background(), string(id))
	if params.CorrelationID != "" {
		ctx = logging.WithCorrelationID(ctx, params.CorrelationID)
	}
	logging.Info(ctx, "Session connected",
		zap.String("displayName", displayName),
		zap.String("userId", userID))

	return s
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context, tokenResult *tokenExtractionResult) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return h.validateOrigin(r) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	// Prepare response header
	responseHeader := http.Header{}
	if tokenResult.FromHeader {
		if tokenResult.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", tokenResult.Token)
		}
	}

	// Upgrade to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}

	return conn, nil
}
