package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaykit/sessiond/internal/provider"
)

// mapAPIError translates the bridge's stable error strings onto the typed
// transport errors. Unknown strings pass through as plain errors, which the
// worker treats as transient.
func mapAPIError(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))

	if strings.HasPrefix(code, "FLOOD_WAIT_") {
		seconds, err := strconv.Atoi(strings.TrimPrefix(code, "FLOOD_WAIT_"))
		if err != nil || seconds <= 0 {
			seconds = 60
		}
		return &provider.FloodWaitError{RetryAfter: time.Duration(seconds) * time.Second}
	}

	switch code {
	case "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED":
		return fmt.Errorf("%w: %s", provider.ErrPhoneInvalid, code)
	case "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED", "PHONE_CODE_EMPTY":
		return fmt.Errorf("%w: %s", provider.ErrCodeInvalid, code)
	case "API_ID_INVALID", "API_ID_PUBLISHED_FLOOD", "AUTH_KEY_UNREGISTERED", "SESSION_EXPIRED":
		return fmt.Errorf("%w: %s", provider.ErrInvalidCredentials, code)
	case "USER_DEACTIVATED", "USER_DEACTIVATED_BAN", "AUTH_KEY_BANNED", "SESSION_REVOKED":
		return fmt.Errorf("%w: %s", provider.ErrPermanent, code)
	}
	return fmt.Errorf("telegram bridge error: %s", code)
}
