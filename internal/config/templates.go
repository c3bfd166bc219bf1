package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns the commented default config for one binary kind.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "whisper":
		return whisperTemplate, nil
	case "listen":
		return listenTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// WriteTemplate writes the template for kind to path. Existing files are
// kept unless overwrite is set.
func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const whisperTemplate = `# whisperctl session config.

# Conversation id. Leave blank for a fresh id per run, or pin one so
# listeners can store it. With open = true a blank id joins the open
# discovery namespace.
conversation = ""
name = "sotto session"

# Profile identifies the whisperer across runs; username is what
# listeners see. A blank profile gets a generated id per run.
profile = ""
username = "whisperer"

# Websocket listen address. Port zero advertises whatever the OS picks.
addr = ":0"

# Status/admin surface (health, metrics, grant/revoke). Off when blank.
admin_addr = ""

# Browser origins allowed on the admin surface.
admin_origins = ["http://localhost:3000"]

# Transcript archive directory. Off when blank.
transcript_dir = ""

# Authorize every listener with a non-blank profile.
open = false

# Zero keeps the engine defaults.
history_limit = 0
catchup_lines = 0

# Allow-list for closed conversations. Repeat the block per listener.
#[[listeners]]
#profile = "profile-id"
#username = "display name"
`

const listenTemplate = `# listenctl session config.

# Conversation id to join. Blank joins the open discovery namespace.
conversation = ""

# Dial one whisperer directly instead of discovering, e.g.
# "ws://host:port/session". Off when blank.
url = ""

# Profile identifies the listener on the allow-list; username is what
# the whisperer sees. A blank profile gets a generated id per run.
profile = ""
username = "listener"

# Status surface (health, metrics, replay). Off when blank.
admin_addr = ""

# Browser origins allowed on the admin surface.
admin_origins = ["http://localhost:3000"]

# Zero keeps the engine default.
history_limit = 0
`
