package scrub

import (
	"reflect"
	"testing"
)

func TestStringPatterns(t *testing.T) {
	s := New()
	cases := []struct {
		name, in, want string
	}{
		{"env password", "DB_PASSWORD=hunter2", "DB_PASSWORD=" + Redacted},
		{"env api key", "API_KEY=abc123", "API_KEY=" + Redacted},
		{"env api-key dash", "MY_API-KEY=abc123", "MY_API-KEY=" + Redacted},
		{"env secret", "SECRET=s3cr3t", "SECRET=" + Redacted},
		{"env token", "GH_TOKEN=ghp_xyz", "GH_TOKEN=" + Redacted},
		{"url userinfo keeps user", "postgres://admin:pw123@db:5432/app", "postgres://admin:" + Redacted + "@db:5432/app"},
		{"bearer token", "Authorization: Bearer eyJhbGciOi.abc-123", "Authorization: Bearer " + Redacted},
		{"plain text untouched", "all systems nominal", "all systems nominal"},
		{"lowercase env untouched", "password=nope is prose", "password=nope is prose"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.String(tc.in); got != tc.want {
				t.Errorf("String(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestStringMultiline(t *testing.T) {
	s := New()
	in := "HOST=db\nDB_PASSWORD=hunter2\nPORT=5432"
	want := "HOST=db\nDB_PASSWORD=" + Redacted + "\nPORT=5432"
	if got := s.String(in); got != want {
		t.Errorf("multiline scrub = %q, want %q", got, want)
	}
}

func TestScrubSensitiveKeys(t *testing.T) {
	s := New()
	in := map[string]any{
		"host":     "db.internal",
		"password": "hunter2",
		"apiKey":   "abc",
		"api_key":  "def",
		"Token":    "xyz",
		"nested": map[string]any{
			"clientSecret": "shh",
			"port":         float64(5432),
		},
		"list": []any{
			map[string]any{"password": "deep"},
			"BEARER abc.def",
			float64(7),
			true,
			nil,
		},
	}
	got := s.Scrub(in).(map[string]any)

	for _, key := range []string{"password", "apiKey", "api_key", "Token"} {
		if got[key] != Redacted {
			t.Errorf("%s = %v, want %q", key, got[key], Redacted)
		}
	}
	if got["host"] != "db.internal" {
		t.Errorf("host mutated: %v", got["host"])
	}
	nested := got["nested"].(map[string]any)
	if nested["clientSecret"] != Redacted {
		t.Errorf("nested clientSecret = %v", nested["clientSecret"])
	}
	if nested["port"] != float64(5432) {
		t.Errorf("number mutated: %v", nested["port"])
	}
	list := got["list"].([]any)
	if list[0].(map[string]any)["password"] != Redacted {
		t.Error("array element map not scrubbed")
	}
	if list[1] != "Bearer "+Redacted {
		t.Errorf("bearer in array = %v", list[1])
	}
	if !reflect.DeepEqual(list[2:], []any{float64(7), true, nil}) {
		t.Errorf("scalars mutated: %v", list[2:])
	}
}

func TestCustomPatterns(t *testing.T) {
	s := New(`ssn-\d{3}-\d{2}`, `[invalid(`)
	if got := s.String("id ssn-123-45 on file"); got != "id "+Redacted+" on file" {
		t.Errorf("custom pattern not applied: %q", got)
	}
	// The invalid pattern is skipped, not fatal: defaults still work.
	if got := s.String("SECRET=x"); got != "SECRET="+Redacted {
		t.Errorf("defaults lost after invalid custom pattern: %q", got)
	}
}
