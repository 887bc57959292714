package job

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"queued", StatusQueued, false},
		{"processing", StatusProcessing, false},
		{"completed", StatusCompleted, false},
		{"failed", StatusFailed, false},
		{"succeeded", StatusCompleted, false}, // documented alias
		{"done", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseStatus(%q): expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStatus(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseStatus(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		want   bool
	}{
		{StatusQueued, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestMarshalManifestAlias(t *testing.T) {
	t.Parallel()

	j := New("key-1", "ptn_invoices", Input{URL: "https://example.com/a.png"})
	j.Status = StatusCompleted
	j.Result = &Result{Data: json.RawMessage(`{"total":"12.50"}`), Confidence: 0.97}

	data, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// Both the canonical and the alias field carry the result.
	if string(out["result"]) != string(out["manifest"]) {
		t.Fatalf("result %s != manifest %s", out["result"], out["manifest"])
	}
	if _, ok := out["error"]; ok {
		t.Fatal("completed job must not carry an error")
	}
	// The API key never leaks into the wire representation.
	if strings.Contains(string(data), "key-1") {
		t.Fatal("api key leaked into JSON output")
	}
}

func TestMarshalFailedJob(t *testing.T) {
	t.Parallel()

	j := New("key-1", "ptn_invoices", Input{URL: "https://example.com/a.png"})
	j.Status = StatusFailed
	j.Error = &Error{Code: CodeTimeout, Message: "analysis exceeded 60s"}

	data, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out["result"]; ok {
		t.Fatal("failed job must not carry a result")
	}
	if _, ok := out["manifest"]; ok {
		t.Fatal("failed job must not carry a manifest")
	}
	var jobErr Error
	if err := json.Unmarshal(out["error"], &jobErr); err != nil {
		t.Fatalf("unmarshal error field: %v", err)
	}
	if jobErr.Code != CodeTimeout {
		t.Fatalf("error code = %q, want %q", jobErr.Code, CodeTimeout)
	}
}

// tiny 1x1 PNG, enough for http.DetectContentType to sniff image/png.
var pngBytes = []byte{
	0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a,
	0, 0, 0, 0x0d, 'I', 'H', 'D', 'R',
	0, 0, 0, 1, 0, 0, 0, 1, 8, 2, 0, 0, 0,
}

func TestInputValidate(t *testing.T) {
	t.Parallel()

	pngB64 := base64.StdEncoding.EncodeToString(pngBytes)
	textB64 := base64.StdEncoding.EncodeToString([]byte("plain text, not an image"))

	tests := []struct {
		name     string
		input    Input
		wantCode string // empty means valid
	}{
		{"url ok", Input{URL: "https://example.com/img.jpg"}, ""},
		{"base64 ok", Input{Base64: pngB64}, ""},
		{"blob ok", Input{BlobRef: "blob-123"}, ""},
		{"none set", Input{}, CodeMissingField},
		{"two set", Input{URL: "https://example.com/a.png", Base64: pngB64}, CodeMissingField},
		{"bad scheme", Input{URL: "ftp://example.com/a.png"}, CodeInvalidImageURL},
		{"not a url", Input{URL: "::notaurl"}, CodeInvalidImageURL},
		{"bad base64", Input{Base64: "!!!not-base64!!!"}, CodeUnsupportedFormat},
		{"not an image", Input{Base64: textB64}, CodeUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Validate: unexpected error %v", err)
				}
				return
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
			}
			if vErr.Code != tt.wantCode {
				t.Fatalf("code = %q, want %q", vErr.Code, tt.wantCode)
			}
		})
	}
}

func TestInputValidateRejectsOversize(t *testing.T) {
	t.Parallel()

	huge := base64.StdEncoding.EncodeToString(make([]byte, MaxImageBytes+1))
	err := Input{Base64: huge}.Validate()
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Code != CodeImageTooLarge {
		t.Fatalf("expected %s, got %v", CodeImageTooLarge, err)
	}
}
