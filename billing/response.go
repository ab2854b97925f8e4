package billing

import (
	"errors"
	"fmt"
)

// Response is a billing outcome code. Non-negative values are reported by the
// remote billing service; negative values are produced locally.
type Response int

const (
	OK                 Response = 0
	UserCanceled       Response = 1
	ServiceUnavailable Response = 3
	ItemUnavailable    Response = 4
	DeveloperError     Response = 5
	GenericError       Response = 6
	ItemAlreadyOwned   Response = 7
	ItemNotOwned       Response = 8

	RemoteTransportFailure      Response = -1001
	MalformedResponse           Response = -1002
	SignatureVerificationFailed Response = -1003
	IntentDispatchFailed        Response = -1004
	UserCancelledLocally        Response = -1005
	UnrecognizedPurchaseResult  Response = -1006
	MissingConsumptionToken     Response = -1007
	UnknownError                Response = -1008
	SubscriptionsUnsupported    Response = -1009
	InvalidConsumptionTarget    Response = -1010
	ServiceNotAvailable         Response = -1011
)

var descriptions = map[Response]string{
	OK:                 "OK",
	UserCanceled:       "User Canceled",
	ServiceUnavailable: "Billing Unavailable",
	ItemUnavailable:    "Item unavailable",
	DeveloperError:     "Developer Error",
	GenericError:       "Error",
	ItemAlreadyOwned:   "Item Already Owned",
	ItemNotOwned:       "Does not own item",

	RemoteTransportFailure:      "Remote exception during initialization",
	MalformedResponse:           "Bad response received",
	SignatureVerificationFailed: "Purchase signature verification failed",
	IntentDispatchFailed:        "Send intent failed",
	UserCancelledLocally:        "User cancelled",
	UnrecognizedPurchaseResult:  "Unknown purchase response",
	MissingConsumptionToken:     "Missing token",
	UnknownError:                "Unknown error",
	SubscriptionsUnsupported:    "Subscriptions not available",
	InvalidConsumptionTarget:    "Invalid consumption attempt",
	ServiceNotAvailable:         "Billing service not available",
}

// ResponseFromCode maps a raw code to a Response. Codes outside the known
// taxonomy map to UnknownError.
func ResponseFromCode(code int) Response {
	r := Response(code)
	if _, ok := descriptions[r]; !ok {
		return UnknownError
	}
	return r
}

func (r Response) Code() int { return int(r) }

func (r Response) Description() string {
	if d, ok := descriptions[r]; ok {
		return d
	}
	return fmt.Sprintf("%d:Unknown", int(r))
}

func (r Response) String() string {
	return fmt.Sprintf("%d:%s", int(r), r.Description())
}

// Result is the outcome of a billing operation. A non-OK Result is returned
// as an error so callers can recover it with errors.As or AsResult.
type Result struct {
	Response Response
	Message  string
}

// NewResult creates a Result. An empty message defaults to the response's
// description; otherwise the description is appended.
func NewResult(r Response, message string) *Result {
	if message == "" {
		message = r.Description()
	} else {
		message = fmt.Sprintf("%s (response: %s)", message, r)
	}
	return &Result{Response: r, Message: message}
}

func (r *Result) IsSuccess() bool { return r.Response == OK }
func (r *Result) IsFailure() bool { return !r.IsSuccess() }

func (r *Result) Error() string {
	return "billing result: " + r.Message
}

func (r *Result) String() string {
	return r.Message
}

// AsResult extracts the Result carried by err, if any.
func AsResult(err error) (*Result, bool) {
	var res *Result
	if errors.As(err, &res) {
		return res, true
	}
	return nil, false
}

// ResponseOf reports the Response carried by err. A nil error is OK and an
// error without a Result is UnknownError.
func ResponseOf(err error) Response {
	if err == nil {
		return OK
	}
	if res, ok := AsResult(err); ok {
		return res.Response
	}
	return UnknownError
}
