package errors

// Stable error codes returned to the UI alongside a message.
const (
	CodeNoConfig                = "NO_CONFIG"
	CodeInvalidConfig           = "INVALID_CONFIG"
	CodeInvalidURL              = "INVALID_URL"
	CodeInvalidUUID             = "INVALID_UUID"
	CodeInvalidHost             = "INVALID_HOST"
	CodePortOutOfRange          = "PORT_OUT_OF_RANGE"
	CodeSubscriptionFetchFailed = "SUBSCRIPTION_FETCH_FAILED"
	CodeSubscriptionEmpty       = "SUBSCRIPTION_EMPTY"
	CodeNetworkError            = "NETWORK_ERROR"
	CodePrivilegesInsufficient  = "PRIVILEGES_INSUFFICIENT"
	CodeProcessFailed           = "PROCESS_FAILED"
	CodeAlreadyRunning          = "ALREADY_RUNNING"
	CodeHealthCheckTimeout      = "HEALTH_CHECK_TIMEOUT"
	CodeConnectionFailed        = "CONNECTION_FAILED"
	CodeTunFailed               = "TUN_FAILED"
	CodeIptablesFailed          = "IPTABLES_FAILED"
	CodeSystemProxyFailed       = "SYSTEM_PROXY_FAILED"
	CodeBusy                    = "BUSY"
	CodeConnectionActive        = "CONNECTION_ACTIVE"
	CodeNotConnected            = "NOT_CONNECTED"
	CodeUnknown                 = "UNKNOWN_ERROR"
)

var messages = map[string]string{
	CodeNoConfig:                "No VLESS configuration stored. Please import a configuration first.",
	CodeInvalidConfig:           "The stored VLESS configuration is invalid. Please import a new configuration.",
	CodeInvalidURL:              "Invalid VLESS URL format. Please check the URL and try again.",
	CodeInvalidUUID:             "The VLESS link contains an invalid UUID.",
	CodeInvalidHost:             "The VLESS link contains an invalid server address.",
	CodePortOutOfRange:          "The VLESS link port must be between 1 and 65535.",
	CodeSubscriptionFetchFailed: "Failed to download the subscription. Please check the URL and your network.",
	CodeSubscriptionEmpty:       "The subscription does not contain any valid VLESS entry.",
	CodeNetworkError:            "Network operation failed. Please check your internet connection and try again.",
	CodePrivilegesInsufficient:  "TUN mode requires elevated privileges. Please complete the installation steps to enable TUN mode.",
	CodeProcessFailed:           "Failed to start xray-core process. Please check the configuration and try again.",
	CodeAlreadyRunning:          "The proxy is already running.",
	CodeHealthCheckTimeout:      "xray-core started but did not become ready in time.",
	CodeConnectionFailed:        "Failed to establish connection. Please check your configuration and network.",
	CodeTunFailed:               "Failed to set up the TUN interface.",
	CodeIptablesFailed:          "Failed to configure firewall rules. Kill switch may not work correctly.",
	CodeSystemProxyFailed:       "Failed to change the desktop proxy settings.",
	CodeBusy:                    "Another operation is in progress. Please try again in a moment.",
	CodeConnectionActive:        "Disconnect before resetting configuration.",
	CodeNotConnected:            "System proxy requires active connection. Please connect first.",
	CodeUnknown:                 "An unexpected error occurred. Please try again or check the logs.",
}

var codeTable = []struct {
	err  error
	code string
}{
	{ErrBusy, CodeBusy},
	{ErrNoConfig, CodeNoConfig},
	{ErrInvalidConfig, CodeInvalidConfig},
	{ErrInvalidUUID, CodeInvalidUUID},
	{ErrInvalidHost, CodeInvalidHost},
	{ErrPortOutOfRange, CodePortOutOfRange},
	{ErrInvalidFormat, CodeInvalidURL},
	{ErrSubscriptionFetchFailed, CodeSubscriptionFetchFailed},
	{ErrSubscriptionEmpty, CodeSubscriptionEmpty},
	{ErrPrivilegesRequired, CodePrivilegesInsufficient},
	{ErrAlreadyRunning, CodeAlreadyRunning},
	{ErrHealthCheckTimeout, CodeHealthCheckTimeout},
	{ErrSpawnFailed, CodeProcessFailed},
	{ErrCoreNotFound, CodeProcessFailed},
	{ErrUnexpectedExit, CodeConnectionFailed},
	{ErrInterfaceCreateFailed, CodeTunFailed},
	{ErrFirewall, CodeIptablesFailed},
	{ErrSystemProxy, CodeSystemProxyFailed},
	{ErrConfigInUse, CodeConnectionActive},
	{ErrNotConnected, CodeNotConnected},
	{ErrNotRunning, CodeNotConnected},
	{ErrLatencyTestFailed, CodeNetworkError},
	{ErrLatencyTestTimeout, CodeNetworkError},
}

// Code maps err to its stable error code. nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codeTable {
		if Is(err, c.err) {
			return c.code
		}
	}
	var ne *NetworkError
	if As(err, &ne) {
		return CodeNetworkError
	}
	return CodeUnknown
}

// Message returns the user-facing text for err. Validation failures keep
// the parser's detail so the user can see what was wrong with the link.
func Message(err error) string {
	if err == nil {
		return ""
	}
	code := Code(err)
	var ve *ValidationError
	if As(err, &ve) {
		return messages[code] + " (" + ve.Error() + ")"
	}
	if code == CodeUnknown {
		return err.Error()
	}
	return messages[code]
}

// MessageFor returns the canned text for code.
func MessageFor(code string) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeUnknown]
}
