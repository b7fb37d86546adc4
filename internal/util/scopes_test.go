package util

import (
	"slices"
	"testing"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "whitespace only", input: "   ", want: nil},
		{name: "single", input: "openid", want: []string{"openid"}},
		{name: "multiple", input: "openid profile resource.read", want: []string{"openid", "profile", "resource.read"}},
		{name: "extra spaces", input: "  openid   profile ", want: []string{"openid", "profile"}},
		{name: "duplicates dropped", input: "openid profile openid", want: []string{"openid", "profile"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseScope(tt.input)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseScope(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestScopesSubset(t *testing.T) {
	allowed := []string{"openid", "profile", "resource.read"}

	tests := []struct {
		name      string
		requested []string
		want      bool
	}{
		{name: "empty is subset", requested: nil, want: true},
		{name: "exact", requested: allowed, want: true},
		{name: "partial", requested: []string{"profile"}, want: true},
		{name: "unknown scope", requested: []string{"profile", "resource.write"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScopesSubset(tt.requested, allowed); got != tt.want {
				t.Errorf("ScopesSubset(%v) = %v, want %v", tt.requested, got, tt.want)
			}
		})
	}
}

func TestScopeSetOperations(t *testing.T) {
	a := []string{"resource.read", "openid"}
	b := []string{"profile", "openid"}

	if got, want := UnionScopes(a, b), []string{"openid", "profile", "resource.read"}; !slices.Equal(got, want) {
		t.Errorf("UnionScopes() = %v, want %v", got, want)
	}
	if got, want := IntersectScopes(a, b), []string{"openid"}; !slices.Equal(got, want) {
		t.Errorf("IntersectScopes() = %v, want %v", got, want)
	}
	if got, want := MissingScopes(a, b), []string{"resource.read"}; !slices.Equal(got, want) {
		t.Errorf("MissingScopes() = %v, want %v", got, want)
	}
	if got, want := RemoveScope(a, "openid"), []string{"resource.read"}; !slices.Equal(got, want) {
		t.Errorf("RemoveScope() = %v, want %v", got, want)
	}
	if got := JoinScopes([]string{"openid", "profile"}); got != "openid profile" {
		t.Errorf("JoinScopes() = %q", got)
	}
}
