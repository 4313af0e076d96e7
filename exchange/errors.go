// exchange/errors.go
package exchange

import (
	"errors"
	"fmt"
)

// Rejection codes the engine reacts to with targeted cooldowns.
const (
	CodeOrderWouldTrigger  = -2021 // order would immediately trigger
	CodeInsufficientMargin = -2019 // margin is insufficient
	CodeMinNotional        = -4164 // order notional below minimum
	CodeNoNeedChangeMargin = -4046 // margin type already set
)

// APIError is a coded rejection from the exchange.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s (code: %d)", e.Msg, e.Code)
}

// ErrorCode extracts the exchange rejection code from err, or 0 when err is
// not a coded rejection (transport failures, decode errors).
func ErrorCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
