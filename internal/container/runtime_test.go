package container

import "testing"

func TestFamiliarName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"docker.io/library/alpine", "alpine"},
		{"library/alpine", "alpine"},
		{"docker.io/bluerobotics/blueos-core", "bluerobotics/blueos-core"},
		{"index.docker.io/acme/widget", "acme/widget"},
		{"ghcr.io/acme/widget", "ghcr.io/acme/widget"},
		{"localhost:5000/acme/widget", "localhost:5000/acme/widget"},
	}
	for _, tt := range tests {
		if got := FamiliarName(tt.in); got != tt.want {
			t.Errorf("FamiliarName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitTag(t *testing.T) {
	tests := []struct {
		ref      string
		repo     string
		tag      string
		wantOkay bool
	}{
		{"acme/widget:1.0", "acme/widget", "1.0", true},
		{"localhost:5000/acme/widget:2", "localhost:5000/acme/widget", "2", true},
		{"localhost:5000/acme/widget", "localhost:5000/acme/widget", "", false},
		{"acme/widget", "acme/widget", "", false},
	}
	for _, tt := range tests {
		repo, tag, ok := SplitTag(tt.ref)
		if repo != tt.repo || tag != tt.tag || ok != tt.wantOkay {
			t.Errorf("SplitTag(%q) = (%q, %q, %v)", tt.ref, repo, tag, ok)
		}
	}
}

func TestImageMatching(t *testing.T) {
	img := Image{
		ID:          "sha256:aaaa",
		RepoTags:    []string{"acme/widget:1.0", "acme/widget:latest"},
		RepoDigests: []string{"acme/widget@sha256:bbbb"},
	}

	if !img.HasTag("docker.io/acme/widget", "1.0") {
		t.Error("expected docker.io prefix to be ignored")
	}
	if img.HasTag("acme/widget", "2.0") {
		t.Error("unexpected tag match")
	}
	if got := img.DigestFor("acme/widget"); got != "sha256:bbbb" {
		t.Errorf("DigestFor() = %q", got)
	}
	if got := img.DigestFor("acme/other"); got != "" {
		t.Errorf("DigestFor(other) = %q, want empty", got)
	}
	if !img.HasDigest("sha256:aaaa") || !img.HasDigest("sha256:bbbb") {
		t.Error("expected both the ID and the repo digest to match")
	}
	if img.HasDigest("") || img.HasDigest("sha256:cccc") {
		t.Error("unexpected digest match")
	}
}

func TestIdentityLabels(t *testing.T) {
	labels := IdentityLabels("acme/widget", "widget")
	if labels[LabelManaged] != "true" || labels[LabelRepository] != "acme/widget" || labels[LabelName] != "widget" {
		t.Fatalf("unexpected labels %v", labels)
	}
	if Ref("acme/widget", "1.0") != "acme/widget:1.0" {
		t.Error("Ref")
	}
	if DigestRef("acme/widget", "sha256:bb") != "acme/widget@sha256:bb" {
		t.Error("DigestRef")
	}
}
