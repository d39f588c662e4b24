package classify

import (
	"context"
	"errors"
	"testing"
)

func TestClassify_Taxonomy(t *testing.T) {
	cases := []struct {
		kind Kind
		want Verdict
	}{
		{KindTransport, VerdictTransient},
		{KindHTTPClient, VerdictClientError},
		{KindHTTPServer, VerdictTransient},
		{KindValidation, VerdictClientError},
		{KindScope, VerdictClientError},
		{KindDeletionThresholdExceed, VerdictClientError},
		{KindDatabase, VerdictTransient},
	}
	for _, c := range cases {
		if got := Classify(Failure{Kind: c.kind}); got != c.want {
			t.Errorf("Classify(%s) = %s, want %s", c.kind, got, c.want)
		}
	}
}

func TestFromHTTPStatus_SplitsClientAndServer(t *testing.T) {
	f := FromHTTPStatus(StepStreamUsers, "dir-1", 403, "", []byte(`{"error":"forbidden"}`))
	if f.Kind != KindHTTPClient {
		t.Errorf("kind = %s, want %s", f.Kind, KindHTTPClient)
	}

	f = FromHTTPStatus(StepStreamUsers, "dir-1", 503, "", []byte(`{"error":"unavailable"}`))
	if f.Kind != KindHTTPServer {
		t.Errorf("kind = %s, want %s", f.Kind, KindHTTPServer)
	}
}

func TestIsTimeoutLike(t *testing.T) {
	if !IsTimeoutLike(context.DeadlineExceeded) {
		t.Error("expected context.DeadlineExceeded to be timeout-like")
	}
	if IsTimeoutLike(errors.New("boom")) {
		t.Error("plain error should not be timeout-like")
	}
}

func TestDeletionThresholdExceeded_Message(t *testing.T) {
	f := DeletionThresholdExceeded("dir-1", "identities", 100, 95, 0.90)
	msg := Format(f)
	if want := "95 of 100"; !contains(msg, want) {
		t.Errorf("message %q missing %q", msg, want)
	}
	if want := "90%"; !contains(msg, want) {
		t.Errorf("message %q missing %q", msg, want)
	}
}

func TestFormat_OktaProviderCode(t *testing.T) {
	f := Failure{Kind: KindHTTPClient, Step: StepGetAccessToken, ProviderCode: "E0000004"}
	msg := Format(f)
	if want := "client ID and signing key"; !contains(msg, want) {
		t.Errorf("message %q missing %q", msg, want)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
