package tunnel

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// CommandCompiler builds Specs from a command template, letting an
// external tunnel client own all protocol internals. The template may
// reference {uri}, {port} and {config}; {config} expands to a fresh
// per-spawn JSON handoff file under ConfigDir carrying the endpoint URI
// and the local port, which is removed on teardown.
type CommandCompiler struct {
	Exe       string
	Args      []string
	ConfigDir string
}

var ErrNoExecutable = errors.New("tunnel: compiler has no executable configured")

// Compile implements the Compiler interface.
func (cc *CommandCompiler) Compile(uri string, localPort int) (Spec, error) {
	if cc.Exe == "" {
		return Spec{}, ErrNoExecutable
	}
	spec := Spec{Exe: cc.Exe}
	port := strconv.Itoa(localPort)
	for _, arg := range cc.Args {
		if strings.Contains(arg, "{config}") && spec.ConfigPath == "" {
			path, err := cc.writeHandoff(uri, localPort)
			if err != nil {
				return Spec{}, err
			}
			spec.ConfigPath = path
		}
		arg = strings.ReplaceAll(arg, "{uri}", uri)
		arg = strings.ReplaceAll(arg, "{port}", port)
		arg = strings.ReplaceAll(arg, "{config}", spec.ConfigPath)
		spec.Args = append(spec.Args, arg)
	}
	return spec, nil
}

func (cc *CommandCompiler) writeHandoff(uri string, localPort int) (string, error) {
	raw, err := json.Marshal(struct {
		URI       string `json:"uri"`
		LocalPort int    `json:"local_port"`
	}{uri, localPort})
	if err != nil {
		return "", err
	}
	path := filepath.Join(cc.ConfigDir, uuid.NewString()+".json")
	if err = os.WriteFile(path, raw, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
