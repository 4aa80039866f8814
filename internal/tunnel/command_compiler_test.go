package tunnel

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestCommandCompilerExpandsPlaceholders(t *testing.T) {
	cc := &CommandCompiler{
		Exe:       "/usr/bin/tunnel-client",
		Args:      []string{"run", "-u", "{uri}", "-l", "{port}", "-c", "{config}"},
		ConfigDir: t.TempDir(),
	}
	spec, err := cc.Compile("vless://uuid@1.2.3.4:443", 20001)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Exe != "/usr/bin/tunnel-client" {
		t.Errorf("exe = %q", spec.Exe)
	}
	joined := strings.Join(spec.Args, " ")
	if !strings.Contains(joined, "vless://uuid@1.2.3.4:443") {
		t.Errorf("uri not expanded: %q", joined)
	}
	if !strings.Contains(joined, "20001") {
		t.Errorf("port not expanded: %q", joined)
	}
	if spec.ConfigPath == "" || !strings.Contains(joined, spec.ConfigPath) {
		t.Errorf("config path not expanded: %q / %q", spec.ConfigPath, joined)
	}

	// distinct spawns get distinct config artifacts
	other, err := cc.Compile("vless://uuid@1.2.3.4:443", 20002)
	if err != nil {
		t.Fatal(err)
	}
	if other.ConfigPath == spec.ConfigPath {
		t.Error("config paths collide between compiles")
	}

	// the handoff artifact exists, names the endpoint, and dies with the spec
	raw, err := os.ReadFile(spec.ConfigPath)
	if err != nil {
		t.Fatalf("handoff file: %v", err)
	}
	var handoff struct {
		URI       string `json:"uri"`
		LocalPort int    `json:"local_port"`
	}
	if err = json.Unmarshal(raw, &handoff); err != nil {
		t.Fatal(err)
	}
	if handoff.URI != "vless://uuid@1.2.3.4:443" || handoff.LocalPort != 20001 {
		t.Errorf("handoff = %+v", handoff)
	}
	spec.RemoveConfig()
	if _, err = os.Stat(spec.ConfigPath); !os.IsNotExist(err) {
		t.Error("config artifact survived RemoveConfig")
	}
}

func TestCommandCompilerWithoutConfigPlaceholder(t *testing.T) {
	cc := &CommandCompiler{Exe: "client", Args: []string{"{uri}", "{port}"}}
	spec, err := cc.Compile("trojan://x@h:443", 20003)
	if err != nil {
		t.Fatal(err)
	}
	if spec.ConfigPath != "" {
		t.Errorf("unexpected config path %q", spec.ConfigPath)
	}
	// RemoveConfig on a spec without an artifact must be harmless
	spec.RemoveConfig()
}

func TestCommandCompilerRequiresExecutable(t *testing.T) {
	cc := &CommandCompiler{}
	if _, err := cc.Compile("vless://u@h:443", 1); !errors.Is(err, ErrNoExecutable) {
		t.Fatalf("want ErrNoExecutable, got %v", err)
	}
}
