package classify

import "fmt"

// oktaResolutions maps Okta's own error codes to an actionable message.
// Codes not listed fall through to the HTTP-status-based resolution.
var oktaResolutions = map[string]string{
	"E0000004": "Okta rejected the credentials used to authenticate; verify the client ID and signing key.",
	"E0000006": "Okta denied the request for insufficient permissions; grant the required API scopes to the app.",
	"E0000047": "Okta is rate-limiting this app; the sync will retry automatically.",
	"E0000011": "Okta could not find the requested resource; it may have been deleted since the last sync.",
}

// Format renders a Failure into the single human-readable error_message
// stored on the directory. It is pure — it never touches the database.
func Format(f Failure) string {
	if f.Kind == KindDeletionThresholdExceed {
		return fmt.Sprintf("Sync stopped: would delete %d of %d %s (%.0f%% >= %.0f%% threshold).", f.ToDelete, f.Total, f.Resource, percent(f.ToDelete, f.Total), f.Threshold*100)
	}

	if f.ProviderCode != "" {
		if msg, ok := oktaResolutions[f.ProviderCode]; ok {
			return msg
		}
	}

	switch f.Kind {
	case KindValidation:
		return fmt.Sprintf("Sync error: %s", f.Cause)
	case KindScope:
		return fmt.Sprintf("Sync error: missing permission — %s", f.Cause)
	case KindHTTPClient:
		return fmt.Sprintf("Identity provider rejected the request (HTTP %d) during %s.", f.HTTPStatus, f.Step)
	case KindHTTPServer:
		return fmt.Sprintf("Identity provider returned a server error (HTTP %d) during %s; will retry.", f.HTTPStatus, f.Step)
	case KindTransport:
		return fmt.Sprintf("Could not reach the identity provider during %s; will retry.", f.Step)
	case KindDatabase:
		return fmt.Sprintf("Internal storage error during %s; will retry.", f.Step)
	default:
		return fmt.Sprintf("Sync error during %s: %s", f.Step, f.Cause)
	}
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
