package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &TriggerRequest{Action: ActionDeploy, Branch: "main", User: "octocat", Project: "site"}
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if *got != *req {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "missing action", input: `{"branch":"main"}`, want: "action"},
		{name: "unknown field", input: `{"action":"deploy","cmd":"rm -rf /"}`, want: "unknown field"},
		{name: "not json", input: `deploy please`, want: "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest(strings.NewReader(tt.input))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("DecodeRequest(%q) err = %v, want containing %q", tt.input, err, tt.want)
			}
		})
	}
}

func TestEncodeRequestRequiresAction(t *testing.T) {
	if err := EncodeRequest(&bytes.Buffer{}, &TriggerRequest{}); err == nil {
		t.Fatal("expected error for empty action")
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse(strings.NewReader(`{"status":"success","exit_code":0,"stdout":"ok\n","extra":1}`))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.Stdout != "ok\n" {
		t.Fatalf("stdout = %q", resp.Stdout)
	}

	for _, bad := range []string{`{}`, `{"status":"maybe"}`, `[`} {
		if _, err := DecodeResponse(strings.NewReader(bad)); err == nil {
			t.Errorf("DecodeResponse(%q) should fail", bad)
		}
	}
}

func TestOutput(t *testing.T) {
	cases := []struct {
		resp TriggerResponse
		want string
	}{
		{TriggerResponse{Stdout: "a"}, "a"},
		{TriggerResponse{Stderr: "b"}, "b"},
		{TriggerResponse{Stdout: "a", Stderr: "b"}, "a\n--- stderr ---\nb"},
	}
	for _, c := range cases {
		if got := c.resp.Output(); got != c.want {
			t.Errorf("Output() = %q, want %q", got, c.want)
		}
	}
	if !ValidAction(ActionDeny) || ValidAction("bogus") {
		t.Error("ValidAction mismatch")
	}
}
