package internal

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/alessio/shellescape"
	sprig "github.com/go-task/slim-sprig/v3"
)

// DefaultUserData boots a node and points it at the hub. The instance id is
// read from the metadata service since it is only known once the server exists.
const DefaultUserData = `#!/bin/bash
set -euo pipefail
INSTANCE_ID="$(curl -fsS http://169.254.169.254/openstack/latest/meta_data.json | jq -r .uuid)"
exec /opt/autogrid/start-node \
  --hub {{ shquote .HubHost }} \
  --browser {{ .Browser | lower | shquote }} \
  --platform {{ .Platform | default "LINUX" | upper | shquote }} \
  --max-sessions {{ .MaxSessions }} \
  --uuid {{ shquote .RunID }} \
  --name {{ shquote .NodeName }} \
  --instance-id "${INSTANCE_ID}" \
  --created-at {{ shquote .LaunchedAt }}
`

type UserDataValues struct {
	HubHost     string
	Browser     string
	Platform    string
	MaxSessions int
	RunID       string
	NodeName    string
	InstanceID  string
	LaunchedAt  string
}

// UserData is a parsed user-data template.
type UserData struct {
	template *template.Template
}

func ParseUserData(text string) (*UserData, error) {
	if text == "" {
		text = DefaultUserData
	}

	funcs := sprig.TxtFuncMap()
	funcs["shquote"] = shellescape.Quote

	tmpl, err := template.New("user-data").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user data template: %w", err)
	}
	return &UserData{template: tmpl}, nil
}

func (u *UserData) Render(values UserDataValues) ([]byte, error) {
	var buffer bytes.Buffer
	if err := u.template.Execute(&buffer, values); err != nil {
		return nil, fmt.Errorf("failed to render user data for '%s': %w", values.NodeName, err)
	}
	return buffer.Bytes(), nil
}
