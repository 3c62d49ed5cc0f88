package remote

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/quatton/qbench/pkg/fleet"
)

// ScriptData is the value a run script template is executed with.
type ScriptData struct {
	RunIndex         int
	RunName          string
	ConfigFile       string
	LocalMode        bool
	WriteBucket      string
	AdditionalArgs   string
	Home             string
	LogFile          string
	CompletionMarker string
}

// RenderRunScript executes the run script template. Missing keys are errors.
func RenderRunScript(text string, data ScriptData) ([]byte, error) {
	tmpl, err := template.New("run").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run script: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render run script: %w", err)
	}
	return buf.Bytes(), nil
}

func scriptData(index int, rc fleet.RunConfig, home, remoteConfig string, layout Layout) ScriptData {
	return ScriptData{
		RunIndex:         index,
		RunName:          rc.Name,
		ConfigFile:       remoteConfig,
		LocalMode:        rc.Params.LocalMode,
		WriteBucket:      rc.Params.WriteBucket,
		AdditionalArgs:   rc.Params.AdditionalArgs,
		Home:             home,
		LogFile:          Resolve(home, layout.LogFile),
		CompletionMarker: layout.CompletionMarker,
	}
}
