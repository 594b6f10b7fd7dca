package vanilla

import (
	"fmt"
	"runtime"
	"strings"
)

// Library is one entry of a version's libraries list. Mojang libraries carry
// explicit downloads; loader libraries often carry only a maven name and repository URL.
type Library struct {
	Name      string            `json:"name"`
	Downloads *LibraryDownloads `json:"downloads,omitempty"`
	URL       string            `json:"url,omitempty"`
	SHA1      string            `json:"sha1,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Rules     []Rule            `json:"rules,omitempty"`
	Natives   map[string]string `json:"natives,omitempty"`
}

// LibraryDownloads holds the main artifact and native classifiers
type LibraryDownloads struct {
	Artifact    *Download           `json:"artifact,omitempty"`
	Classifiers map[string]Download `json:"classifiers,omitempty"`
}

// Rule allows or disallows a library on matching platforms
type Rule struct {
	Action   string          `json:"action"`
	OS       *OSRule         `json:"os,omitempty"`
	Features map[string]bool `json:"features,omitempty"`
}

// OSRule constrains a rule to an operating system and architecture
type OSRule struct {
	Name string `json:"name,omitempty"`
	Arch string `json:"arch,omitempty"`
}

// Platform identifies the machine libraries are resolved for, in the
// vocabulary of the version metadata (windows, osx, linux; x86, x86_64, arm32, arm64)
type Platform struct {
	OS       string
	Arch     string
	Features map[string]bool
}

// CurrentPlatform describes the running machine
func CurrentPlatform() Platform {
	p := Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
	if p.OS == "darwin" {
		p.OS = "osx"
	}
	switch runtime.GOARCH {
	case "amd64":
		p.Arch = "x86_64"
	case "386":
		p.Arch = "x86"
	case "arm":
		p.Arch = "arm32"
	}
	return p
}

// applies returns nil when the rule does not match p, otherwise whether it allows
func (r Rule) applies(p Platform) *bool {
	if r.OS != nil {
		if r.OS.Arch != "" && r.OS.Arch != p.Arch {
			return nil
		}
		if r.OS.Name != "" && r.OS.Name != p.OS && r.OS.Name != p.OS+"-"+p.Arch {
			return nil
		}
	}
	for feature, want := range r.Features {
		if p.Features[feature] != want {
			return nil
		}
	}
	allowed := r.Action == "allow"
	return &allowed
}

// RulesAllow evaluates a rule list: no rules allows everything, any matching
// disallow wins, otherwise at least one rule must allow
func RulesAllow(rules []Rule, p Platform) bool {
	if len(rules) == 0 {
		return true
	}
	allowed := false
	for _, r := range rules {
		res := r.applies(p)
		if res == nil {
			continue
		}
		if !*res {
			return false
		}
		allowed = true
	}
	return allowed
}

type coordinates struct {
	group, artifact, version, classifier, ext string
}

func parseCoordinates(name string) (coordinates, error) {
	c := coordinates{ext: "jar"}
	base, ext, ok := strings.Cut(name, "@")
	if ok && ext != "" {
		c.ext = ext
	}
	parts := strings.Split(base, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return c, fmt.Errorf("invalid maven coordinates %q", name)
	}
	for _, p := range parts {
		if p == "" {
			return c, fmt.Errorf("invalid maven coordinates %q", name)
		}
	}
	c.group, c.artifact, c.version = parts[0], parts[1], parts[2]
	if len(parts) == 4 {
		c.classifier = parts[3]
	}
	return c, nil
}

// MavenPath converts group:artifact:version[:classifier][@ext] into the
// repository layout path
func MavenPath(name string) (string, error) {
	c, err := parseCoordinates(name)
	if err != nil {
		return "", err
	}
	file := c.artifact + "-" + c.version
	if c.classifier != "" {
		file += "-" + c.classifier
	}
	return strings.ReplaceAll(c.group, ".", "/") + "/" + c.artifact + "/" + c.version + "/" + file + "." + c.ext, nil
}

// Key identifies a library across versions: group:artifact[:classifier]
func (l Library) Key() string {
	c, err := parseCoordinates(l.Name)
	if err != nil {
		return l.Name
	}
	key := c.group + ":" + c.artifact
	if c.classifier != "" {
		key += ":" + c.classifier
	}
	return key
}

// Artifact returns the main download of the library. Libraries whose
// downloads block lists only natives have no main artifact. Maven-style
// libraries get a URL under their repository and may lack a hash.
func (l Library) Artifact() (Download, bool, error) {
	path, err := MavenPath(l.Name)
	if err != nil {
		return Download{}, false, err
	}
	if l.Downloads != nil {
		if l.Downloads.Artifact == nil {
			return Download{}, false, nil
		}
		d := *l.Downloads.Artifact
		if d.Path == "" {
			d.Path = path
		}
		return d, true, nil
	}
	repo := l.URL
	if repo == "" {
		repo = DefaultLibrariesURL
	}
	if !strings.HasSuffix(repo, "/") {
		repo += "/"
	}
	return Download{Path: path, SHA1: l.SHA1, Size: l.Size, URL: repo + path}, true, nil
}

// Native returns the natives classifier download for p, if the library has one
func (l Library) Native(p Platform) (Download, bool) {
	if len(l.Natives) == 0 || l.Downloads == nil {
		return Download{}, false
	}
	key := p.OS
	switch p.Arch {
	case "arm32", "arm64":
		key += "-" + p.Arch
	}
	classifier, ok := l.Natives[key]
	if !ok {
		return Download{}, false
	}
	bits := "64"
	if p.Arch == "x86" || p.Arch == "arm32" {
		bits = "32"
	}
	classifier = strings.ReplaceAll(classifier, "${arch}", bits)

	d, ok := l.Downloads.Classifiers[classifier]
	if !ok {
		return Download{}, false
	}
	if d.Path == "" {
		if c, err := parseCoordinates(l.Name); err == nil {
			d.Path = strings.ReplaceAll(c.group, ".", "/") + "/" + c.artifact + "/" + c.version + "/" +
				c.artifact + "-" + c.version + "-" + classifier + ".jar"
		}
	}
	return d, true
}
