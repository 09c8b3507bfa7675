package broker

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Decision is the human choice an action token carries.
type Decision string

const (
	DecisionApprove Decision = "a"
	DecisionDeny    Decision = "d"
)

const (
	tokenVersion = "dc1"
	// TokenLength is the encoded size; Telegram callback data allows 64.
	TokenLength = len(tokenVersion) + 1 + 32 + 1 + 1
)

var ErrInvalidToken = errors.New("invalid action token")

// newRequestID returns 32 lowercase hex characters.
func newRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// EncodeToken builds "dc1:<request id>:<a|d>".
func EncodeToken(requestID string, d Decision) string {
	return tokenVersion + ":" + requestID + ":" + string(d)
}

// DecodeToken parses a token produced by EncodeToken. Any other shape is
// ErrInvalidToken.
func DecodeToken(token string) (requestID string, d Decision, err error) {
	if len(token) != TokenLength {
		return "", "", ErrInvalidToken
	}
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] != tokenVersion {
		return "", "", ErrInvalidToken
	}
	if len(parts[1]) != 32 || !isLowerHex(parts[1]) {
		return "", "", ErrInvalidToken
	}
	switch Decision(parts[2]) {
	case DecisionApprove, DecisionDeny:
		return parts[1], Decision(parts[2]), nil
	default:
		return "", "", ErrInvalidToken
	}
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
