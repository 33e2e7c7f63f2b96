package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Auth errors
// 12000-12999: Environment & descriptor errors
// 13000-13999: Runtime & lifecycle errors
// 14000-14999: Live reconfiguration errors
// 15000-15999: Exec channel errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Auth Errors (11000-11999) ==========

	AuthFailed            ErrorCode = 11000
	TokenGenerationFailed ErrorCode = 11005
	CredentialStoreError  ErrorCode = 11200

	// ========== Environment Errors (12000-12999) ==========

	InvalidIdentifier   ErrorCode = 12000
	PortOutOfRange      ErrorCode = 12001
	EnvironmentNotFound ErrorCode = 12002
	EnvironmentExists   ErrorCode = 12003
	TemplateMissing     ErrorCode = 12100
	ConfigCorrupt       ErrorCode = 12101
	DescriptorWriteFail ErrorCode = 12102
	AuditLogError       ErrorCode = 12200

	// ========== Runtime Errors (13000-13999) ==========

	ToolUnavailable  ErrorCode = 13000
	ExecutionFailed  ErrorCode = 13001
	UnitNotFound     ErrorCode = 13002
	InvalidAction    ErrorCode = 13003
	HookFailed       ErrorCode = 13004
	RuntimeListError ErrorCode = 13005

	// ========== Live Reconfiguration Errors (14000-14999) ==========

	UnitConfigNotFound ErrorCode = 14000
	LivePatchFailed    ErrorCode = 14001
	InvalidSize        ErrorCode = 14002

	// ========== Exec Channel Errors (15000-15999) ==========

	ExecCommandMissing ErrorCode = 15000
	ExecStartFailed    ErrorCode = 15001
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	Success: "Success",

	// System errors
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized",
	Forbidden:           "Forbidden",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Auth
	AuthFailed:            "Invalid credentials",
	TokenGenerationFailed: "Failed to generate token",
	CredentialStoreError:  "Credential store operation failed",

	// Environment
	InvalidIdentifier:   "Name must be 6 digits",
	PortOutOfRange:      "Computed port out of range",
	EnvironmentNotFound: "Environment not found",
	EnvironmentExists:   "Environment already exists",
	TemplateMissing:     "Descriptor template not found",
	ConfigCorrupt:       "Configuration document is corrupt",
	DescriptorWriteFail: "Failed to write descriptor",
	AuditLogError:       "Audit log operation failed",

	// Runtime
	ToolUnavailable:  "Runtime tool unavailable",
	ExecutionFailed:  "Runtime command failed",
	UnitNotFound:     "Runtime unit not found",
	InvalidAction:    "Invalid action",
	HookFailed:       "Post-provision hook failed",
	RuntimeListError: "Failed to list runtime units",

	// Live reconfiguration
	UnitConfigNotFound: "Runtime unit config not found",
	LivePatchFailed:    "Live reconfiguration failed",
	InvalidSize:        "Invalid size string",

	// Exec
	ExecCommandMissing: "Command is required",
	ExecStartFailed:    "Failed to start command",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Kind returns a stable machine-readable kind for the error code.
func (c ErrorCode) Kind() string {
	switch {
	case c == Success:
		return "ok"
	case c == InvalidParams, c == InvalidIdentifier, c == InvalidAction, c == InvalidSize,
		c == ExecCommandMissing, c >= 10300 && c < 10400:
		return "validation_error"
	case c == NotFound, c == EnvironmentNotFound, c == UnitNotFound, c == UnitConfigNotFound:
		return "not_found"
	case c == ToolUnavailable:
		return "tool_unavailable"
	case c == ExecutionFailed, c == HookFailed, c == ExecStartFailed:
		return "execution_failed"
	case c == ConfigCorrupt, c == TemplateMissing:
		return "config_corrupt"
	case c == Unauthorized, c == AuthFailed:
		return "auth_failed"
	case c == EnvironmentExists:
		return "conflict"
	default:
		return "internal_error"
	}
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == AuthFailed:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == EnvironmentNotFound, c == UnitNotFound, c == UnitConfigNotFound:
		return 404
	case c == EnvironmentExists:
		return 409
	case c == TooManyRequests:
		return 429
	case c == ExecutionFailed:
		return 502
	case c == ServiceUnavailable, c == ToolUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidIdentifier, c == InvalidAction, c == InvalidSize, c == ExecCommandMissing:
		return 400
	default:
		return 500
	}
}
