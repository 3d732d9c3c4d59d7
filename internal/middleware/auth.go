package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

var blacklistClient *redis.Client

// InitAuthMiddleware wires the Redis client used for token blacklist lookups.
// A nil client disables blacklist checks (tests, Redis outage).
func InitAuthMiddleware(client *redis.Client) {
	blacklistClient = client
}

func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		// Extract token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		token := parts[1]

		if isBlacklisted(r.Context(), token) {
			http.Error(w, "Token revoked", http.StatusUnauthorized)
			return
		}

		userID, err := validateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		// Add user ID to context
		ctx := context.WithValue(r.Context(), "userID", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isBlacklisted(ctx context.Context, token string) bool {
	if blacklistClient == nil {
		return false
	}
	exists, err := blacklistClient.Exists(ctx, fmt.Sprintf("blacklist:%s", token)).Result()
	if err != nil {
		// Fail open on Redis errors; token signature is still checked.
		return false
	}
	return exists > 0
}

func validateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(viper.GetString("jwt.secret_key")), nil
	})

	if err != nil || !token.Valid {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", err
	}

	userID := claims["user_id"]
	return fmt.Sprintf("%v", userID), nil
}
